package services

import (
	"bytes"
	"errors"
	"testing"

	"github.com/aiwuxian/cross-realm-atlas/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteChronicle(t *testing.T) {
	world := customWorld("custom-1")
	world.Identity = models.Identity{Title: "Keeper", Role: "Lamplighter"}
	world.Companion = &models.Companion{Name: "Mirel", RoleInWorld: "Ferryman"}
	world.ChatHistory = append(world.ChatHistory,
		models.Message{Role: models.RoleUser, Content: "Look around", Timestamp: 2000},
		models.Message{Role: models.RoleModel, Content: "A bridge unfolds. 桥在光中展开。", Timestamp: 3000},
	)

	var buf bytes.Buffer
	require.NoError(t, NewExportService().WriteChronicle(&buf, world))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")))
	assert.Greater(t, buf.Len(), 500)
}

func TestWriteChronicleWithoutWorld(t *testing.T) {
	var buf bytes.Buffer
	err := NewExportService().WriteChronicle(&buf, nil)
	assert.True(t, errors.Is(err, ErrNoActiveWorld))
	assert.Zero(t, buf.Len())
}
