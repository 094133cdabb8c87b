package services

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aiwuxian/cross-realm-atlas/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func customTemplate(id string) models.WorldTemplate {
	return models.WorldTemplate{ID: id, Name: "Realm " + id, ShortDesc: "A captured memory from Old Era.", IsCustom: true}
}

func TestPresetsAreEmbedded(t *testing.T) {
	presets, err := loadPresets()
	require.NoError(t, err)
	require.Len(t, presets, 4)

	assert.Equal(t, "shard-01", presets[0].ID)
	assert.Equal(t, "Wind City, 1881", presets[0].Name)
	assert.Equal(t, "The Star-Mirror Lake", presets[3].Name)
	for _, p := range presets {
		assert.False(t, p.IsCustom)
		assert.Nil(t, p.SavedState)
		assert.NotEmpty(t, p.ImageURL)
		assert.NotEmpty(t, p.ShortDesc)
	}
}

func TestReconcile(t *testing.T) {
	templates := []models.WorldTemplate{customTemplate("custom-a"), customTemplate("custom-b")}

	t.Run("non-custom world leaves list unchanged", func(t *testing.T) {
		world := customWorld("custom-a")
		world.IsCustom = false
		assert.Equal(t, templates, Reconcile(world, templates))
	})

	t.Run("no matching template leaves list unchanged", func(t *testing.T) {
		assert.Equal(t, templates, Reconcile(customWorld("custom-zzz"), templates))
	})

	t.Run("exactly one entry updated", func(t *testing.T) {
		world := customWorld("custom-b")
		world.Name = "Renamed"

		out := Reconcile(world, templates)
		require.Len(t, out, 2)
		assert.Nil(t, out[0].SavedState)
		require.NotNil(t, out[1].SavedState)
		assert.Equal(t, world, out[1].SavedState)
		assert.Equal(t, "Renamed", out[1].Name)
		assert.Equal(t, templates[1].ShortDesc, out[1].ShortDesc)

		// input untouched
		assert.Nil(t, templates[1].SavedState)
		assert.Equal(t, "Realm custom-b", templates[1].Name)
	})

	t.Run("saved state is a copy", func(t *testing.T) {
		world := customWorld("custom-a")
		out := Reconcile(world, templates)
		world.ChatHistory[0].Content = "mutated"
		assert.Equal(t, "Welcome back.", out[0].SavedState.ChatHistory[0].Content)
	})
}

func TestRemove(t *testing.T) {
	templates := []models.WorldTemplate{customTemplate("custom-a"), customTemplate("custom-b")}

	once := Remove(templates, "custom-a")
	twice := Remove(once, "custom-a")
	assert.Equal(t, once, twice)
	require.Len(t, once, 1)
	assert.Equal(t, "custom-b", once[0].ID)
	assert.Len(t, templates, 2)

	t.Run("reconcile then remove", func(t *testing.T) {
		out := templates
		for i, id := range []string{"custom-a", "custom-missing", "custom-a"} {
			world := customWorld(id)
			world.Name = fmt.Sprintf("Pass %d", i)
			out = Reconcile(world, out)
		}
		require.NotNil(t, out[0].SavedState)
		assert.Equal(t, Remove(templates, "custom-a"), Remove(out, "custom-a"))
	})
}

func TestMetaServiceListAvailable(t *testing.T) {
	store := &memoryStore{archives: []models.WorldTemplate{customTemplate("custom-a")}}
	meta, err := NewMetaService(store, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, meta.AddCustom(customTemplate("custom-b")))

	list := meta.ListAvailable()
	require.Len(t, list, 6)
	assert.Equal(t, "custom-b", list[0].ID)
	assert.Equal(t, "custom-a", list[1].ID)
	assert.Equal(t, "shard-01", list[2].ID)

	// persisted list holds custom templates only
	persisted := store.last()
	require.Len(t, persisted, 2)
	assert.Equal(t, "custom-b", persisted[0].ID)
}

func TestMetaServiceSaveWorld(t *testing.T) {
	store := &memoryStore{archives: []models.WorldTemplate{customTemplate("custom-a")}}
	meta, err := NewMetaService(store, zap.NewNop())
	require.NoError(t, err)

	t.Run("preset instance is never persisted", func(t *testing.T) {
		world := customWorld("preset-instance-1")
		world.IsCustom = false
		require.NoError(t, meta.SaveWorld(world))
		assert.Equal(t, 0, store.saveCount())
	})

	t.Run("custom world is written back", func(t *testing.T) {
		require.NoError(t, meta.SaveWorld(customWorld("custom-a")))
		assert.Equal(t, 1, store.saveCount())

		tpl, err := meta.FindTemplate("custom-a")
		require.NoError(t, err)
		assert.True(t, tpl.Resumable())
	})

	t.Run("deleted template is not resurrected", func(t *testing.T) {
		require.NoError(t, meta.DeleteCustomWorld("custom-a"))
		require.NoError(t, meta.SaveWorld(customWorld("custom-a")))

		_, err := meta.FindTemplate("custom-a")
		assert.True(t, errors.Is(err, ErrTemplateNotFound))
		assert.Empty(t, store.last())
	})
}

func TestMetaServiceDelete(t *testing.T) {
	store := &memoryStore{archives: []models.WorldTemplate{customTemplate("custom-a")}}
	meta, err := NewMetaService(store, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, meta.DeleteCustomWorld("custom-a"))
	require.NoError(t, meta.DeleteCustomWorld("custom-a"))
	assert.Equal(t, 1, store.saveCount())

	err = meta.DeleteCustomWorld("shard-02")
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestMetaServicePersistenceFailureKeepsList(t *testing.T) {
	store := &memoryStore{archives: []models.WorldTemplate{customTemplate("custom-a")}}
	meta, err := NewMetaService(store, zap.NewNop())
	require.NoError(t, err)

	store.failSave = errors.New("disk full")
	err = meta.DeleteCustomWorld("custom-a")
	assert.True(t, errors.Is(err, ErrPersistence))

	_, err = meta.FindTemplate("custom-a")
	assert.NoError(t, err)
}

func TestMetaServiceProfile(t *testing.T) {
	store := &memoryStore{}
	meta, err := NewMetaService(store, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, meta.Profile())

	_, err = meta.SaveProfile(models.UserProfile{Name: "   "})
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Nil(t, store.profile)

	saved, err := meta.SaveProfile(models.UserProfile{Name: " Ada ", Description: "INTJ"})
	require.NoError(t, err)
	assert.Equal(t, "Ada", saved.Name)
	assert.Equal(t, &models.UserProfile{Name: "Ada", Description: "INTJ"}, meta.Profile())
}
