package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openclaw/autoconnect/internal/model"
)

// HandleNotFound turns sql.ErrNoRows into a nil result; a caller with no
// stored session is not an error.
func HandleNotFound[T any](result *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func encodeSession(session *model.LinkSession) ([]byte, error) {
	data, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	return data, nil
}

func decodeSession(data []byte) (*model.LinkSession, error) {
	var session model.LinkSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &session, nil
}
