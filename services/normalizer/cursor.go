package normalizer

import (
	"encoding/base64"
	"strings"

	"github.com/customeros/mailbridge/dto"
	"github.com/customeros/mailbridge/internal/enum"
	mberrors "github.com/customeros/mailbridge/internal/errors"
)

// EncodeCursor renders a cursor as "<kind>:<base64url(token)>". Nil encodes to "".
func EncodeCursor(cursor *dto.SyncCursor) string {
	if cursor == nil || cursor.Token == "" {
		return ""
	}
	return cursor.Kind.String() + ":" + base64.RawURLEncoding.EncodeToString([]byte(cursor.Token))
}

// DecodeCursor parses a transport cursor and rejects cursors issued by another backend.
func DecodeCursor(raw string, expected enum.BackendKind) (*dto.SyncCursor, error) {
	const op = "normalizer.DecodeCursor"

	if raw == "" {
		return nil, nil
	}
	kind, encoded, ok := strings.Cut(raw, ":")
	if !ok || encoded == "" {
		return nil, mberrors.Validation(op, "malformed cursor")
	}
	backend := enum.GetBackendKind(kind)
	if !backend.IsValid() {
		return nil, mberrors.Validation(op, "unknown cursor kind %q", kind)
	}
	if backend != expected {
		return nil, mberrors.Validation(op, "cursor issued by %s cannot be used with %s", backend, expected)
	}
	token, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, mberrors.Validation(op, "malformed cursor")
	}
	return &dto.SyncCursor{Kind: backend, Token: string(token)}, nil
}

// CheckCursor verifies a decoded cursor belongs to the adapter's backend.
func CheckCursor(cursor *dto.SyncCursor, expected enum.BackendKind) error {
	if cursor == nil || cursor.Kind == expected {
		return nil
	}
	return mberrors.Validation("normalizer.CheckCursor", "cursor issued by %s cannot be used with %s", cursor.Kind, expected)
}
