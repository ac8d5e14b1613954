// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package directory

import (
	"bytes"
	"encoding/json"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// SpaceVisibility controls who can find and enter a space without an invite.
type SpaceVisibility string

const (
	VisibilityLocked           SpaceVisibility = "locked"
	VisibilityPrivate          SpaceVisibility = "private"
	VisibilityPublicWithAdmin  SpaceVisibility = "public-with-admin"
	VisibilityPublicWithAnyone SpaceVisibility = "public-with-anyone"
)

// Valid reports whether v is a known visibility.
func (v SpaceVisibility) Valid() bool {
	switch v {
	case VisibilityLocked, VisibilityPrivate, VisibilityPublicWithAdmin, VisibilityPublicWithAnyone:
		return true
	}
	return false
}

// Space config limits.
const (
	MaxSpaceNameLength        = 64
	MaxSpaceDescriptionLength = 1000
	MaxSpaceEntryTextLength   = 1000
	defaultSpaceName          = "Unnamed space"
	defaultSpaceMaxUsers      = 10
)

// DevelopmentConfig is only honoured while an owner has the developer role.
type DevelopmentConfig struct {
	// ShardID pins the space to one shard.
	ShardID string `json:"shardId,omitempty" jsonschema:"maxLength=128"`
	// AutoAdmin makes every developer account an admin of the space.
	AutoAdmin bool `json:"autoAdmin,omitempty"`
}

// SpaceConfig is the persisted, user-editable configuration of a space.
// Admin, Banned and Allow hold account ids.
type SpaceConfig struct {
	Name        string             `json:"name" jsonschema:"minLength=1,maxLength=64"`
	Description string             `json:"description" jsonschema:"maxLength=1000"`
	EntryText   string             `json:"entryText" jsonschema:"maxLength=1000"`
	MaxUsers    int                `json:"maxUsers" jsonschema:"minimum=1"`
	Public      SpaceVisibility    `json:"public" jsonschema:"enum=locked,enum=private,enum=public-with-admin,enum=public-with-anyone"`
	Admin       []ulid.ULID        `json:"admin"`
	Banned      []ulid.ULID        `json:"banned"`
	Allow       []ulid.ULID        `json:"allow"`
	Features    []string           `json:"features"`
	Development *DevelopmentConfig `json:"development,omitempty"`
}

// DefaultSpaceConfig returns the configuration new and repaired spaces start from.
func DefaultSpaceConfig() SpaceConfig {
	return SpaceConfig{
		Name:     defaultSpaceName,
		MaxUsers: defaultSpaceMaxUsers,
		Public:   VisibilityPrivate,
		Admin:    []ulid.ULID{},
		Banned:   []ulid.ULID{},
		Allow:    []ulid.ULID{},
		Features: []string{},
	}
}

func (c SpaceConfig) clone() SpaceConfig {
	out := c
	out.Admin = slices.Clone(c.Admin)
	out.Banned = slices.Clone(c.Banned)
	out.Allow = slices.Clone(c.Allow)
	out.Features = slices.Clone(c.Features)
	if c.Development != nil {
		dev := *c.Development
		out.Development = &dev
	}
	return out
}

// normalize enforces the list invariants and field limits in place:
// lists are de-duplicated, banned excludes admins and owners, allow excludes
// banned, admins and owners. It reports whether anything changed.
func (c *SpaceConfig) normalize(owners []ulid.ULID, maxUsers int) bool {
	before := *c
	before = before.clone()

	c.Name = truncateRunes(strings.TrimSpace(c.Name), MaxSpaceNameLength)
	if c.Name == "" {
		c.Name = defaultSpaceName
	}
	c.Description = truncateRunes(c.Description, MaxSpaceDescriptionLength)
	c.EntryText = truncateRunes(c.EntryText, MaxSpaceEntryTextLength)
	if c.MaxUsers < 1 {
		c.MaxUsers = 1
	}
	if maxUsers > 0 && c.MaxUsers > maxUsers {
		c.MaxUsers = maxUsers
	}
	if !c.Public.Valid() {
		c.Public = VisibilityPrivate
	}

	c.Admin = uniqueIDs(c.Admin)
	c.Banned = uniqueIDs(c.Banned, c.Admin, owners)
	c.Allow = uniqueIDs(c.Allow, c.Banned, c.Admin, owners)

	features := make([]string, 0, len(c.Features))
	for _, f := range c.Features {
		if f != "" && !slices.Contains(features, f) {
			features = append(features, f)
		}
	}
	c.Features = features

	return !reflect.DeepEqual(before, *c)
}

// uniqueIDs returns ids without duplicates and without any id in exclude,
// preserving order. The result is never nil.
func uniqueIDs(ids []ulid.ULID, exclude ...[]ulid.ULID) []ulid.ULID {
	out := make([]ulid.ULID, 0, len(ids))
	for _, id := range ids {
		if slices.Contains(out, id) {
			continue
		}
		excluded := false
		for _, ex := range exclude {
			if slices.Contains(ex, id) {
				excluded = true
				break
			}
		}
		if !excluded {
			out = append(out, id)
		}
	}
	return out
}

var (
	spaceSchemaOnce sync.Once
	spaceSchema     *jschema.Schema
	spaceSchemaErr  error
)

// SpaceConfigSchema generates the JSON Schema of SpaceConfig.
func SpaceConfigSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == reflect.TypeOf(ulid.ULID{}) {
				return &jsonschema.Schema{Type: "string", Pattern: "^[0-9A-HJKMNP-TV-Z]{26}$"}
			}
			return nil
		},
	}
	schema := r.Reflect(&SpaceConfig{})
	schema.ID = jsonschema.ID(SpaceConfigSchemaID)
	schema.Title = "HoloDir Space Configuration"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, oops.Wrapf(err, "marshal space config schema")
	}
	return data, nil
}

// SpaceConfigSchemaID is the $id of the generated schema.
const SpaceConfigSchemaID = "https://holomush.dev/schemas/space-config.schema.json"

func compiledSpaceSchema() (*jschema.Schema, error) {
	spaceSchemaOnce.Do(func() {
		raw, err := SpaceConfigSchema()
		if err != nil {
			spaceSchemaErr = err
			return
		}
		doc, err := jschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			spaceSchemaErr = oops.Wrapf(err, "parse space config schema")
			return
		}
		c := jschema.NewCompiler()
		if err := c.AddResource("space-config.json", doc); err != nil {
			spaceSchemaErr = oops.Wrapf(err, "add space config schema")
			return
		}
		spaceSchema, spaceSchemaErr = c.Compile("space-config.json")
	})
	return spaceSchema, spaceSchemaErr
}

// ValidateSpaceConfig checks raw JSON against the space config schema.
func ValidateSpaceConfig(raw []byte) error {
	sch, err := compiledSpaceSchema()
	if err != nil {
		return err
	}
	doc, err := jschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return oops.Code(CodeSpaceInvalid).Wrapf(err, "parse space config")
	}
	if err := sch.Validate(doc); err != nil {
		return oops.Code(CodeSpaceInvalid).Wrapf(err, "space config does not match schema")
	}
	return nil
}

// decodeField decodes raw into dst only when the whole value is well typed.
func decodeField[T any](raw json.RawMessage, dst *T) bool {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	*dst = v
	return true
}

// repairSpaceConfig decodes a stored config. Documents that fail the schema
// are salvaged field by field over the defaults; fields that cannot be
// decoded are dropped. The second result reports whether the stored form
// differs from the returned config and should be rewritten.
func repairSpaceConfig(raw json.RawMessage, owners []ulid.ULID, maxUsers int) (SpaceConfig, bool, error) {
	cfg := DefaultSpaceConfig()
	repaired := false

	if err := ValidateSpaceConfig(raw); err == nil {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, false, oops.Code(CodeSpaceCorrupt).Wrap(err)
		}
	} else {
		repaired = true
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			fields = nil
		}
		decoders := map[string]func(json.RawMessage) bool{
			"name":        func(r json.RawMessage) bool { return decodeField(r, &cfg.Name) },
			"description": func(r json.RawMessage) bool { return decodeField(r, &cfg.Description) },
			"entryText":   func(r json.RawMessage) bool { return decodeField(r, &cfg.EntryText) },
			"maxUsers":    func(r json.RawMessage) bool { return decodeField(r, &cfg.MaxUsers) },
			"public":      func(r json.RawMessage) bool { return decodeField(r, &cfg.Public) },
			"admin":       func(r json.RawMessage) bool { return decodeField(r, &cfg.Admin) },
			"banned":      func(r json.RawMessage) bool { return decodeField(r, &cfg.Banned) },
			"allow":       func(r json.RawMessage) bool { return decodeField(r, &cfg.Allow) },
			"features":    func(r json.RawMessage) bool { return decodeField(r, &cfg.Features) },
			"development": func(r json.RawMessage) bool { return decodeField(r, &cfg.Development) },
		}
		for key, value := range fields {
			if decode, ok := decoders[key]; ok {
				decode(value)
			}
		}
	}

	if cfg.normalize(owners, maxUsers) {
		repaired = true
	}

	out, err := json.Marshal(cfg)
	if err != nil {
		return cfg, false, oops.Code(CodeSpaceCorrupt).Wrap(err)
	}
	if err := ValidateSpaceConfig(out); err != nil {
		return cfg, false, oops.Code(CodeSpaceCorrupt).Wrap(err)
	}
	return cfg, repaired, nil
}

// SpaceConfigUpdate is a partial config change. Nil fields are left unchanged.
type SpaceConfigUpdate struct {
	Name        *string            `json:"name,omitempty"`
	Description *string            `json:"description,omitempty"`
	EntryText   *string            `json:"entryText,omitempty"`
	MaxUsers    *int               `json:"maxUsers,omitempty"`
	Public      *SpaceVisibility   `json:"public,omitempty"`
	Admin       []ulid.ULID        `json:"admin,omitempty"`
	Banned      []ulid.ULID        `json:"banned,omitempty"`
	Allow       []ulid.ULID        `json:"allow,omitempty"`
	Features    []string           `json:"features,omitempty"`
	Development *DevelopmentConfig `json:"development,omitempty"`
}

// apply writes the update into cfg and returns human readable descriptions
// of what changed.
func (u SpaceConfigUpdate) apply(cfg *SpaceConfig) []string {
	var changes []string
	if u.Name != nil && *u.Name != cfg.Name {
		cfg.Name = *u.Name
		changes = append(changes, "name to '"+cfg.Name+"'")
	}
	if u.Description != nil && *u.Description != cfg.Description {
		cfg.Description = *u.Description
		changes = append(changes, "description")
	}
	if u.EntryText != nil && *u.EntryText != cfg.EntryText {
		cfg.EntryText = *u.EntryText
		changes = append(changes, "entry text")
	}
	if u.MaxUsers != nil && *u.MaxUsers != cfg.MaxUsers {
		cfg.MaxUsers = *u.MaxUsers
		changes = append(changes, "max users")
	}
	if u.Public != nil && *u.Public != cfg.Public {
		cfg.Public = *u.Public
		changes = append(changes, "visibility to '"+string(cfg.Public)+"'")
	}
	if u.Admin != nil && !slices.Equal(u.Admin, cfg.Admin) {
		cfg.Admin = slices.Clone(u.Admin)
		changes = append(changes, "admins")
	}
	if u.Banned != nil && !slices.Equal(u.Banned, cfg.Banned) {
		cfg.Banned = slices.Clone(u.Banned)
		changes = append(changes, "ban list")
	}
	if u.Allow != nil && !slices.Equal(u.Allow, cfg.Allow) {
		cfg.Allow = slices.Clone(u.Allow)
		changes = append(changes, "allow list")
	}
	if u.Features != nil && !slices.Equal(u.Features, cfg.Features) {
		cfg.Features = slices.Clone(u.Features)
		changes = append(changes, "features")
	}
	if u.Development != nil && (cfg.Development == nil || *u.Development != *cfg.Development) {
		dev := *u.Development
		cfg.Development = &dev
		changes = append(changes, "development settings")
	}
	return changes
}
