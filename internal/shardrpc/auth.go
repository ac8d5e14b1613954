// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package shardrpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"strings"

	"github.com/samber/oops"
	"google.golang.org/grpc/metadata"

	"github.com/holomush/holodir/internal/directory"
)

// authorizationHeader carries "Bearer <token>" on the shard stream.
const authorizationHeader = "authorization"

// TokenStore maps shard bearer tokens to shard ids. The mapping lives in the
// directory.ConfigShardTokens config blob and is read on every lookup so that
// tokens can be rotated without a restart.
type TokenStore struct {
	db directory.Database
}

// NewTokenStore creates a TokenStore backed by db.
func NewTokenStore(db directory.Database) *TokenStore {
	return &TokenStore{db: db}
}

func (t *TokenStore) load(ctx context.Context) (map[string]string, error) {
	raw, err := t.db.GetConfig(ctx, directory.ConfigShardTokens)
	if directory.IsNotFound(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, oops.Code(CodeInvalidConfig).Wrap(err)
	}
	tokens := map[string]string{}
	if len(raw) == 0 {
		return tokens, nil
	}
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return nil, oops.Code(CodeInvalidConfig).With("key", string(directory.ConfigShardTokens)).Wrap(err)
	}
	return tokens, nil
}

// Authenticate returns the shard id owning token.
func (t *TokenStore) Authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", oops.Code(CodeUnauthenticated).Errorf("missing shard token")
	}
	tokens, err := t.load(ctx)
	if err != nil {
		return "", err
	}
	shardID := ""
	for candidate, id := range tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			shardID = id
		}
	}
	if shardID == "" {
		return "", oops.Code(CodeUnauthenticated).Errorf("unknown shard token")
	}
	return shardID, nil
}

// SetToken grants token to shardID, replacing any token previously held by
// that shard.
func (t *TokenStore) SetToken(ctx context.Context, token, shardID string) error {
	if token == "" || shardID == "" {
		return oops.Code(CodeInvalidConfig).Errorf("token and shard id are required")
	}
	tokens, err := t.load(ctx)
	if err != nil {
		return err
	}
	for k, id := range tokens {
		if id == shardID {
			delete(tokens, k)
		}
	}
	tokens[token] = shardID
	raw, err := json.Marshal(tokens)
	if err != nil {
		return oops.Code(CodeEncodeFailed).Wrap(err)
	}
	if err := t.db.SetConfig(ctx, directory.ConfigShardTokens, raw); err != nil {
		return oops.Code(CodeInvalidConfig).With("shard_id", shardID).Wrap(err)
	}
	return nil
}

// bearerToken extracts the bearer token from incoming metadata.
func bearerToken(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get(authorizationHeader) {
		if token, ok := strings.CutPrefix(v, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return ""
}
