package repositories

import (
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"chat-sync/internal/errs"
	"chat-sync/internal/models"
)

func TestMapError(t *testing.T) {
	fk := &pq.Error{Code: "23503", Message: "violates foreign key constraint"}
	assert.ErrorIs(t, mapError(fk), errs.ErrNotFound)

	dup := &pq.Error{Code: "23505", Message: "duplicate key value"}
	assert.ErrorIs(t, mapError(dup), errs.ErrConflict)

	other := &pq.Error{Code: "57014", Message: "canceling statement"}
	assert.Equal(t, error(other), mapError(other))

	plain := errors.New("connection refused")
	assert.Equal(t, plain, mapError(plain))
	assert.NoError(t, mapError(nil))
}

func TestMessageRowToModel(t *testing.T) {
	row := messageRow{
		Message: models.Message{ID: "m1", ConversationID: "c1", SenderID: "u1"},
		Readers: pq.StringArray{"u3", "u2", "u3"},
	}

	m := row.toModel()
	assert.Equal(t, []string{"u2", "u3"}, m.ReaderIDs)
	assert.Equal(t, models.StatusConfirmed, m.Status)
}
