package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aiwuxian/cross-realm-atlas/internal/models"
	"github.com/aiwuxian/cross-realm-atlas/internal/services"
	"github.com/aiwuxian/cross-realm-atlas/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var pngBytes = []byte{
	0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A,
	0x00, 0x00, 0x00, 0x0D, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x02, 0x00, 0x00, 0x00,
}

type stubGeneration struct {
	mu       sync.Mutex
	worldErr error
	turnErr  error
	langs    []models.Language
}

func (g *stubGeneration) GenerateWorld(ctx context.Context, req services.WorldRequest) (*services.WorldGeneration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.langs = append(g.langs, req.Language)
	if g.worldErr != nil {
		return nil, g.worldErr
	}
	return &services.WorldGeneration{
		Name:             "Lanternfall",
		Era:              "Age of Lamps",
		OpeningNarrative: "The lamps flicker.",
		InitialChoices:   []models.NarrativeChoice{{ID: "c1", Text: "Walk", Intent: models.IntentExplore}},
		PlotTree: []models.StoryNode{
			{ID: "1", Title: "Arrival", Status: models.NodeActive},
			{ID: "2", Title: "Trial", Status: models.NodeLocked},
		},
	}, nil
}

func (g *stubGeneration) AdvanceTurn(ctx context.Context, world *models.WorldState, userText string, lang models.Language) (*services.TurnResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.langs = append(g.langs, lang)
	if g.turnErr != nil {
		return nil, g.turnErr
	}
	return &services.TurnResult{
		Content:     "You walk on.",
		PlotUpdates: &models.PlotUpdate{CompletedNodeID: "1", ActivatedNodeID: "2"},
	}, nil
}

func (g *stubGeneration) GenerateSceneImage(ctx context.Context, sceneDescription, visualStyle string) (string, error) {
	return "", services.ErrGeneration
}

type stubImages struct{}

func (stubImages) Load(ctx context.Context, ref string) ([]byte, string, error) {
	return pngBytes, "image/png", nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *stubGeneration) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	store, err := storage.New(filepath.Join(t.TempDir(), "atlas.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	meta, err := services.NewMetaService(store, logger)
	require.NoError(t, err)
	gen := &stubGeneration{}
	worlds := services.NewWorldService(gen, stubImages{}, meta, logger)
	story := services.NewStoryService(gen, worlds, meta, false, logger)

	h := NewHandler(story, services.NewExportService(),
		models.GameConfig{DefaultLanguage: "en"}, models.ImageConfig{MaxUploadMB: 1}, logger)
	r := gin.New()
	h.RegisterRoutes(r.Group("/api"))
	return r, gen
}

func do(r *gin.Engine, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type worldResponse struct {
	World models.WorldState `json:"world"`
}

func decodeWorld(t *testing.T, w *httptest.ResponseRecorder) models.WorldState {
	t.Helper()
	var resp worldResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.World
}

func listWorlds(t *testing.T, r *gin.Engine) []worldEntry {
	t.Helper()
	w := do(r, http.MethodGet, "/api/worlds", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Worlds []worldEntry `json:"worlds"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Worlds
}

func TestListWorldsShowsPresets(t *testing.T) {
	r, _ := newTestRouter(t)
	worlds := listWorlds(t, r)
	require.Len(t, worlds, 4)
	for _, w := range worlds {
		assert.False(t, w.IsCustom)
		assert.False(t, w.Resumable)
	}
}

func TestProfileEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodGet, "/api/profile", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"profile": null}`, w.Body.String())

	w = do(r, http.MethodPut, "/api/profile", models.UserProfile{Name: " "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPut, "/api/profile", models.UserProfile{Name: "Ada", Description: "INTJ"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/api/profile", nil)
	assert.JSONEq(t, `{"profile": {"name": "Ada", "description": "INTJ"}}`, w.Body.String())
}

func TestSessionLifecycle(t *testing.T) {
	r, gen := newTestRouter(t)

	w := do(r, http.MethodGet, "/api/session", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodPost, "/api/worlds/shard-01/enter?lang=zh", nil)
	require.Equal(t, http.StatusOK, w.Code)
	world := decodeWorld(t, w)
	assert.True(t, strings.HasPrefix(world.ID, "preset-instance-"))
	assert.Equal(t, models.LangZH, gen.langs[0])

	w = do(r, http.MethodPost, "/api/session/messages", gin.H{"text": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/api/session/messages", gin.H{"text": "walk"}, "Accept-Language", "zh-CN,zh;q=0.9")
	require.Equal(t, http.StatusOK, w.Code)
	world = decodeWorld(t, w)
	require.Len(t, world.ChatHistory, 3)
	assert.Equal(t, models.NodeCompleted, world.PlotTree[0].Status)
	assert.Equal(t, models.NodeActive, world.PlotTree[1].Status)
	assert.Equal(t, models.LangZH, gen.langs[1])

	w = do(r, http.MethodGet, "/api/session", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodPost, "/api/session/leave", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(r, http.MethodGet, "/api/session", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// preset instances are discarded on leave
	for _, entry := range listWorlds(t, r) {
		assert.False(t, entry.Resumable)
	}
}

func TestTurnFailureIsRecoveredInStory(t *testing.T) {
	r, gen := newTestRouter(t)
	require.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/worlds/shard-02/enter", nil).Code)

	gen.turnErr = services.ErrGeneration
	w := do(r, http.MethodPost, "/api/session/messages?lang=zh", gin.H{"text": "hello"})
	require.Equal(t, http.StatusOK, w.Code)

	world := decodeWorld(t, w)
	require.Len(t, world.ChatHistory, 3)
	last := world.ChatHistory[2]
	require.Len(t, last.Choices, 1)
	assert.Equal(t, "retry", last.Choices[0].ID)
	assert.Equal(t, "重试", last.Choices[0].Text)
}

func TestEnterWorldErrors(t *testing.T) {
	r, gen := newTestRouter(t)

	w := do(r, http.MethodPost, "/api/worlds/unknown/enter", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	gen.worldErr = services.ErrGeneration
	w = do(r, http.MethodPost, "/api/worlds/shard-03/enter", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func uploadRequest(t *testing.T, field string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(field, "shard.png")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/worlds/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadExportDelete(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, uploadRequest(t, "image", pngBytes))
	require.Equal(t, http.StatusCreated, w.Code)
	world := decodeWorld(t, w)
	assert.True(t, strings.HasPrefix(world.ID, "custom-"))

	worlds := listWorlds(t, r)
	require.Len(t, worlds, 5)
	assert.Equal(t, world.ID, worlds[0].ID)
	assert.True(t, worlds[0].Resumable)
	assert.Equal(t, "A captured memory from Age of Lamps.", worlds[0].ShortDesc)

	w = do(r, http.MethodGet, "/api/worlds/"+world.ID+"/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(w.Body.String(), "%PDF-"))

	w = do(r, http.MethodDelete, "/api/worlds/"+world.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(r, http.MethodDelete, "/api/worlds/"+world.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Len(t, listWorlds(t, r), 4)

	w = do(r, http.MethodDelete, "/api/worlds/shard-01", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadRejectsBadInput(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, uploadRequest(t, "image", []byte("just some text, not a picture")))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, uploadRequest(t, "file", pngBytes))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, uploadRequest(t, "image", append(append([]byte(nil), pngBytes...), make([]byte, 2<<20)...)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	assert.Len(t, listWorlds(t, r), 4)
}
