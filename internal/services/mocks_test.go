package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aiwuxian/cross-realm-atlas/internal/models"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockGeneration struct {
	mock.Mock
}

func (m *mockGeneration) GenerateWorld(ctx context.Context, req WorldRequest) (*WorldGeneration, error) {
	args := m.Called(ctx, req)
	gen, _ := args.Get(0).(*WorldGeneration)
	return gen, args.Error(1)
}

func (m *mockGeneration) AdvanceTurn(ctx context.Context, world *models.WorldState, userText string, lang models.Language) (*TurnResult, error) {
	args := m.Called(ctx, world, userText, lang)
	res, _ := args.Get(0).(*TurnResult)
	return res, args.Error(1)
}

func (m *mockGeneration) GenerateSceneImage(ctx context.Context, sceneDescription, visualStyle string) (string, error) {
	args := m.Called(ctx, sceneDescription, visualStyle)
	return args.String(0), args.Error(1)
}

// memoryStore is an in-memory ArchiveStore that records every snapshot.
type memoryStore struct {
	mu        sync.Mutex
	profile   *models.UserProfile
	archives  []models.WorldTemplate
	snapshots [][]models.WorldTemplate
	failSave  error
}

func (s *memoryStore) LoadProfile() (*models.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile, nil
}

func (s *memoryStore) SaveProfile(profile models.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		return s.failSave
	}
	s.profile = &profile
	return nil
}

func (s *memoryStore) LoadArchives() ([]models.WorldTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.archives, nil
}

func (s *memoryStore) SaveArchives(templates []models.WorldTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		return s.failSave
	}
	snap := make([]models.WorldTemplate, len(templates))
	for i, t := range templates {
		snap[i] = cloneTemplate(t)
	}
	s.archives = snap
	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (s *memoryStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

func (s *memoryStore) last() []models.WorldTemplate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.archives
}

// stubImages serves every reference with the same PNG bytes.
type stubImages struct {
	err error
}

func (s stubImages) Load(ctx context.Context, ref string) ([]byte, string, error) {
	if s.err != nil {
		return nil, "", s.err
	}
	return pngBytes, "image/png", nil
}

type recordingObserver struct {
	mu      sync.Mutex
	updates []*models.WorldState
}

func (o *recordingObserver) WorldUpdated(world *models.WorldState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updates = append(o.updates, world)
}

func (o *recordingObserver) all() []*models.WorldState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*models.WorldState(nil), o.updates...)
}

var errNetwork = errors.New("network unreachable")

type harness struct {
	gen      *mockGeneration
	store    *memoryStore
	meta     *MetaService
	worlds   *WorldService
	story    *StoryService
	observer *recordingObserver
}

func newHarness(t *testing.T, store *memoryStore, imagesEnabled bool) *harness {
	t.Helper()
	if store == nil {
		store = &memoryStore{}
	}
	logger := zap.NewNop()
	meta, err := NewMetaService(store, logger)
	require.NoError(t, err)

	gen := new(mockGeneration)
	worlds := NewWorldService(gen, stubImages{}, meta, logger)
	story := NewStoryService(gen, worlds, meta, imagesEnabled, logger)
	observer := &recordingObserver{}
	story.AddObserver(observer)

	return &harness{gen: gen, store: store, meta: meta, worlds: worlds, story: story, observer: observer}
}

func sampleGeneration() *WorldGeneration {
	return &WorldGeneration{
		Name:        "Lanternfall",
		Era:         "Age of Lamps",
		Mood:        "Hushed",
		VisualStyle: "Watercolor",
		Identity: models.Identity{
			Title: "Keeper of Wicks", Role: "Lamplighter", Ability: "Reads smoke", Weakness: "Fears the dark", Outfit: "Ash coat",
		},
		Companion:        &models.Companion{Name: "Mirel", Relationship: "Old friend", RoleInWorld: "Ferryman", Description: "Quiet"},
		OpeningNarrative: "The lamps flicker as you arrive.",
		InitialChoices: []models.NarrativeChoice{
			{ID: "c1", Text: "Follow the smoke", Intent: models.IntentExplore},
			{ID: "c2", Text: "Greet Mirel", Intent: models.IntentConnect},
		},
		PlotTree: []models.StoryNode{
			{ID: "1", Title: "Arrival", Status: models.NodeActive, Type: models.NodeArrival},
			{ID: "2", Title: "The Ferry", Status: models.NodeLocked, Type: models.NodeEncounter},
			{ID: "3", Title: "Last Light", Status: models.NodeLocked, Type: models.NodeEnding},
		},
	}
}

// customWorld is a saved custom world with one opening message.
func customWorld(id string) *models.WorldState {
	return &models.WorldState{
		ID:       id,
		Name:     "Saved Realm",
		ImageURL: "data:image/png;base64,AAAA",
		Era:      "Old Era",
		Mood:     "Calm",
		ChatHistory: []models.Message{
			{Role: models.RoleModel, Content: "Welcome back.", Timestamp: 1000,
				Choices: []models.NarrativeChoice{{ID: "c1", Text: "Look around", Intent: models.IntentExplore}}},
		},
		PlotTree: []models.StoryNode{
			{ID: "1", Title: "Arrival", Status: models.NodeActive},
			{ID: "2", Title: "Trial", Status: models.NodeLocked},
		},
		IsCustom: true,
	}
}
