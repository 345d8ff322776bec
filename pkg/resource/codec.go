// ABOUTME: Wire-format codecs for resources
// ABOUTME: Stateless JSON codec plus a zstd wrapper used for bodies at rest

package resource

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

// Codec serializes resources. Implementations hold no per-request state and
// are safe for concurrent use.
type Codec interface {
	Marshal(r *Resource) ([]byte, error)
	Unmarshal(data []byte) (*Resource, error)
}

// JSONCodec reads and writes the JSON representation:
// {"resourceType": ..., "id": ..., "meta": {...}, <body elements>}.
type JSONCodec struct {
	Pretty bool
}

// Marshal renders r. Body keys named resourceType, id or meta are ignored.
func (c JSONCodec) Marshal(r *Resource) ([]byte, error) {
	if r == nil {
		return nil, errors.New("marshal nil resource")
	}
	if r.Type == "" {
		return nil, errors.New("marshal resource without type")
	}

	out := make(map[string]any, len(r.Body)+3)
	for k, v := range r.Body {
		out[k] = v
	}
	out["resourceType"] = r.Type
	if r.ID != "" {
		out["id"] = r.ID
	} else {
		delete(out, "id")
	}
	delete(out, "meta")

	if r.Meta != nil {
		out["meta"] = renderMeta(r)
	}

	if c.Pretty {
		return json.MarshalIndent(out, "", "  ")
	}
	return json.Marshal(out)
}

// Unmarshal parses data. Numbers are kept as json.Number so values survive a
// round trip unchanged.
func (c JSONCodec) Unmarshal(data []byte) (*Resource, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse resource: %w", err)
	}

	typ, _ := raw["resourceType"].(string)
	if typ == "" {
		return nil, errors.New("parse resource: missing resourceType")
	}
	r := &Resource{Type: typ, Body: raw}
	delete(raw, "resourceType")

	if id, ok := raw["id"]; ok {
		s, isStr := id.(string)
		if !isStr {
			return nil, errors.New("parse resource: id must be a string")
		}
		r.ID = s
		delete(raw, "id")
	}

	if m, ok := raw["meta"]; ok {
		meta, err := parseMeta(m)
		if err != nil {
			return nil, err
		}
		r.Meta = meta
		delete(raw, "meta")
	}

	return r, nil
}

// renderMeta merges the modelled meta elements over the passthrough ones.
func renderMeta(r *Resource) map[string]any {
	wm := make(map[string]any, len(r.Meta.Extra)+4)
	for k, v := range r.Meta.Extra {
		wm[k] = v
	}
	if v := r.VersionString(); v != "" {
		wm["versionId"] = v
	}
	if !r.Meta.LastUpdated.IsZero() {
		wm["lastUpdated"] = r.Meta.LastUpdated.UTC().Format(time.RFC3339Nano)
	}
	if len(r.Meta.Profiles) > 0 {
		profiles := make([]any, len(r.Meta.Profiles))
		for i, p := range r.Meta.Profiles {
			profiles[i] = p
		}
		wm["profile"] = profiles
	}
	if len(r.Meta.Tags) > 0 {
		tags := make([]any, len(r.Meta.Tags))
		for i, t := range r.Meta.Tags {
			tags[i] = renderCoding(t)
		}
		wm["tag"] = tags
	}
	return wm
}

func renderCoding(c Coding) map[string]any {
	out := make(map[string]any, len(c.Extra)+3)
	for k, v := range c.Extra {
		out[k] = v
	}
	for k, v := range map[string]string{"system": c.System, "code": c.Code, "display": c.Display} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

func parseMeta(v any) (*Meta, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("parse resource: meta must be an object")
	}

	meta := &Meta{}
	if s, ok := obj["versionId"].(string); ok && s != "" {
		ver, valid := ParseVersion(s)
		if !valid {
			return nil, fmt.Errorf("parse resource: invalid meta.versionId %q", s)
		}
		meta.VersionID = ver
	}
	if s, ok := obj["lastUpdated"].(string); ok && s != "" {
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("parse resource: invalid meta.lastUpdated: %w", err)
		}
		meta.LastUpdated = ts.UTC()
	}
	if arr, ok := obj["profile"].([]any); ok {
		for _, p := range arr {
			if s, ok := p.(string); ok {
				meta.Profiles = append(meta.Profiles, s)
			}
		}
	}
	if arr, ok := obj["tag"].([]any); ok {
		for _, t := range arr {
			tm, ok := t.(map[string]any)
			if !ok {
				continue
			}
			c := Coding{}
			c.System, _ = tm["system"].(string)
			c.Code, _ = tm["code"].(string)
			c.Display, _ = tm["display"].(string)
			c.Extra = extras(tm, "system", "code", "display")
			meta.Tags = append(meta.Tags, c)
		}
	}
	meta.Extra = extras(obj, "versionId", "lastUpdated", "profile", "tag")
	return meta, nil
}

// extras returns the entries of obj not named in known, or nil.
func extras(obj map[string]any, known ...string) map[string]any {
	var out map[string]any
	for k, v := range obj {
		if slices.Contains(known, k) {
			continue
		}
		if out == nil {
			out = make(map[string]any)
		}
		out[k] = v
	}
	return out
}

// zstdMagic starts every zstd frame.
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// ZstdCodec compresses the output of another codec. Unmarshal also accepts
// uncompressed input so stores can switch compression on without a rewrite.
type ZstdCodec struct {
	inner Codec
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// NewZstdCodec wraps inner. The zstd encoder and decoder only use their
// stateless EncodeAll/DecodeAll entry points, which are safe for concurrent use.
func NewZstdCodec(inner Codec) (*ZstdCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &ZstdCodec{inner: inner, enc: enc, dec: dec}, nil
}

func (c *ZstdCodec) Marshal(r *Resource) ([]byte, error) {
	raw, err := c.inner.Marshal(r)
	if err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func (c *ZstdCodec) Unmarshal(data []byte) (*Resource, error) {
	if !bytes.HasPrefix(data, zstdMagic) {
		return c.inner.Unmarshal(data)
	}
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress resource: %w", err)
	}
	return c.inner.Unmarshal(raw)
}
