package policy

import (
	"context"
	"errors"
	"testing"

	"go-media-download/internal/config"
	"go-media-download/internal/models"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCategories struct {
	byEntry map[int64][]int64
	calls   int
	err     error
}

func (f *fakeCategories) Categories(_ context.Context, entryID int64) ([]int64, error) {
	f.calls++
	return f.byEntry[entryID], f.err
}

type fakeItems struct {
	byEntry map[int64][]models.Item
	calls   int
}

func (f *fakeItems) Items(_ context.Context, entryID int64) ([]models.Item, error) {
	f.calls++
	return f.byEntry[entryID], nil
}

func newPrefs(values map[string]interface{}) config.Preferences {
	v := viper.New()
	p := config.NewPreferences(v)
	for k, val := range values {
		v.Set(k, val)
	}
	return p
}

var favorite = models.Entry{ID: 1, Title: "Favorite", SourceID: 3, Favorite: true}

func numbered(nums ...float64) []models.Item {
	items := make([]models.Item, 0, len(nums))
	for i, n := range nums {
		items = append(items, models.Item{ID: int64(100 + i), EntryID: favorite.ID, Number: n})
	}
	return items
}

func TestAdmitCategoryRules(t *testing.T) {
	tests := []struct {
		name       string
		entry      models.Entry
		prefs      map[string]interface{}
		categories []int64
		wantCount  int
	}{
		{
			name:      "auto download disabled",
			entry:     favorite,
			prefs:     map[string]interface{}{},
			wantCount: 0,
		},
		{
			name:      "not a favorite",
			entry:     models.Entry{ID: 1, Title: "Browse"},
			prefs:     map[string]interface{}{config.KeyDownloadNewItems: true},
			wantCount: 0,
		},
		{
			name:      "no categories and empty lists admits all",
			entry:     favorite,
			prefs:     map[string]interface{}{config.KeyDownloadNewItems: true},
			wantCount: 3,
		},
		{
			name:  "included and excluded, exclusion wins",
			entry: favorite,
			prefs: map[string]interface{}{
				config.KeyDownloadNewItems:                 true,
				config.KeyDownloadNewItemCategories:        []int{5},
				config.KeyDownloadNewItemCategoriesExclude: []int{6},
			},
			categories: []int64{5, 6},
			wantCount:  0,
		},
		{
			name:  "included category",
			entry: favorite,
			prefs: map[string]interface{}{
				config.KeyDownloadNewItems:          true,
				config.KeyDownloadNewItemCategories: []int{5},
			},
			categories: []int64{5},
			wantCount:  3,
		},
		{
			name:  "not in include list",
			entry: favorite,
			prefs: map[string]interface{}{
				config.KeyDownloadNewItems:          true,
				config.KeyDownloadNewItemCategories: []int{5},
			},
			categories: []int64{7},
			wantCount:  0,
		},
		{
			name:  "only exclude list, not excluded",
			entry: favorite,
			prefs: map[string]interface{}{
				config.KeyDownloadNewItems:                 true,
				config.KeyDownloadNewItemCategoriesExclude: []int{6},
			},
			categories: []int64{7},
			wantCount:  3,
		},
		{
			name:  "uncategorised entry matches default category",
			entry: favorite,
			prefs: map[string]interface{}{
				config.KeyDownloadNewItems:                 true,
				config.KeyDownloadNewItemCategoriesExclude: []int{0},
			},
			wantCount: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cats := &fakeCategories{byEntry: map[int64][]int64{tt.entry.ID: tt.categories}}
			a := NewAdmission(newPrefs(tt.prefs), cats, &fakeItems{})

			got, err := a.Admit(context.Background(), tt.entry, numbered(1, 2, 3))
			require.NoError(t, err)
			assert.Len(t, got, tt.wantCount)
		})
	}
}

func TestAdmitUnseenOnly(t *testing.T) {
	known := numbered(1, 2, 3)
	known[1].Seen = true
	repo := &fakeItems{byEntry: map[int64][]models.Item{favorite.ID: known}}
	prefs := newPrefs(map[string]interface{}{
		config.KeyDownloadNewItems:           true,
		config.KeyDownloadNewUnseenItemsOnly: true,
	})
	a := NewAdmission(prefs, &fakeCategories{}, repo)

	got, err := a.Admit(context.Background(), favorite, numbered(1, 2, 3))
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, 1.0, got[0].Number)
	assert.Equal(t, 3.0, got[1].Number)
}

func TestAdmitUnseenOnlyKeepsUnnumbered(t *testing.T) {
	known := []models.Item{{ID: 1, Number: -1, Seen: true}}
	repo := &fakeItems{byEntry: map[int64][]models.Item{favorite.ID: known}}
	prefs := newPrefs(map[string]interface{}{
		config.KeyDownloadNewItems:           true,
		config.KeyDownloadNewUnseenItemsOnly: true,
	})
	a := NewAdmission(prefs, &fakeCategories{}, repo)

	got, err := a.Admit(context.Background(), favorite, []models.Item{{ID: 2, Number: -1}, {ID: 3, Number: -1}})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestAdmitExclusionSkipsRepository(t *testing.T) {
	repo := &fakeItems{}
	cats := &fakeCategories{byEntry: map[int64][]int64{favorite.ID: {9}}}
	prefs := newPrefs(map[string]interface{}{
		config.KeyDownloadNewItems:                 true,
		config.KeyDownloadNewItemCategoriesExclude: []int{9},
		config.KeyDownloadNewUnseenItemsOnly:       true,
	})
	a := NewAdmission(prefs, cats, repo)

	got, err := a.Admit(context.Background(), favorite, numbered(1))
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 0, repo.calls)
}

func TestAdmitPreservesOrder(t *testing.T) {
	a := NewAdmission(newPrefs(map[string]interface{}{config.KeyDownloadNewItems: true}), &fakeCategories{}, &fakeItems{})
	items := numbered(3, 1, 2)

	got, err := a.Admit(context.Background(), favorite, items)
	require.NoError(t, err)
	assert.Equal(t, items, got)
}

func TestAdmitCategoryError(t *testing.T) {
	cats := &fakeCategories{err: errors.New("db down")}
	prefs := newPrefs(map[string]interface{}{
		config.KeyDownloadNewItems:          true,
		config.KeyDownloadNewItemCategories: []int{1},
	})
	a := NewAdmission(prefs, cats, &fakeItems{})

	_, err := a.Admit(context.Background(), favorite, numbered(1))
	assert.Error(t, err)
}

func TestEvictionAfterSeen(t *testing.T) {
	ordered := numbered(1, 2, 3, 4, 5)
	for i := range ordered {
		ordered[i].Seen = i < 4
	}
	ordered[1].Bookmark = true

	tests := []struct {
		name    string
		prefs   map[string]interface{}
		cats    []int64
		current int
		wantIDs []int64
	}{
		{"disabled", map[string]interface{}{}, nil, 3, nil},
		{"zero slots removes current", map[string]interface{}{config.KeyRemoveAfterReadSlots: 0}, nil, 3, []int64{103}},
		{"two slots", map[string]interface{}{config.KeyRemoveAfterReadSlots: 2}, nil, 4, []int64{102}},
		{"window before start", map[string]interface{}{config.KeyRemoveAfterReadSlots: 4}, nil, 2, nil},
		{"bookmark protected", map[string]interface{}{config.KeyRemoveAfterReadSlots: 2}, nil, 3, nil},
		{"bookmark removal allowed", map[string]interface{}{
			config.KeyRemoveAfterReadSlots:  2,
			config.KeyRemoveBookmarkedItems: true,
		}, nil, 3, []int64{101}},
		{"excluded category keeps seen", map[string]interface{}{
			config.KeyRemoveAfterReadSlots:    1,
			config.KeyRemoveExcludeCategories: []int{4},
		}, []int64{4}, 3, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEviction(newPrefs(tt.prefs), &fakeCategories{byEntry: map[int64][]int64{favorite.ID: tt.cats}})

			got, err := e.AfterSeen(context.Background(), favorite, ordered, ordered[tt.current])
			require.NoError(t, err)

			var ids []int64
			for _, it := range got {
				ids = append(ids, it.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestEvictionAfterSeenKeepsUnreadItem(t *testing.T) {
	ordered := numbered(1, 2, 3)
	ordered[2].Seen = true
	e := NewEviction(newPrefs(map[string]interface{}{config.KeyRemoveAfterReadSlots: 1}), &fakeCategories{})

	// Item 2 was skipped, not read, so reading item 3 keeps it.
	got, err := e.AfterSeen(context.Background(), favorite, ordered, ordered[2])
	require.NoError(t, err)
	assert.Empty(t, got)

	ordered[1].Seen = true
	got, err = e.AfterSeen(context.Background(), favorite, ordered, ordered[2])
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(101), got[0].ID)
}

func TestEvictionDeletableKeepsUnseenInExcludedCategory(t *testing.T) {
	items := []models.Item{{ID: 1, Seen: true}, {ID: 2, Seen: false}}
	prefs := newPrefs(map[string]interface{}{config.KeyRemoveExcludeCategories: []int{0}})
	e := NewEviction(prefs, &fakeCategories{})

	got, err := e.Deletable(context.Background(), favorite, items)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].ID)
}

func TestDownloadedOnly(t *testing.T) {
	items := numbered(1, 2, 3)
	got := DownloadedOnly(items, func(it models.Item) bool { return it.Number != 2 })
	assert.Len(t, got, 2)
}
