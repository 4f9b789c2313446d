package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hachi/hachi/bittorrent"
	"github.com/hachi/hachi/middleware"
	"github.com/hachi/hachi/repository"
	"github.com/hachi/hachi/repository/memory"
)

func newTestRepo(t *testing.T) repository.Repository {
	t.Helper()

	r, err := memory.New(memory.Config{
		Users: []memory.UserSeed{
			{Token: "1111111111111111111111111111111111111111", ID: 1, Class: "user"},
			{Token: "2222222222222222222222222222222222222222", ID: 2, Banned: true},
		},
	})
	require.Nil(t, err)
	t.Cleanup(func() { _ = r.Stop().Wait() })

	return r
}

var announceCases = []struct {
	name         string
	token        string
	requireToken bool
	expected     error
	expectedUser repository.UserID
}{
	{"known token", "1111111111111111111111111111111111111111", false, nil, 1},
	{"banned user", "2222222222222222222222222222222222222222", false, ErrBannedUser, 0},
	{"unregistered token", "3333333333333333333333333333333333333333", false, ErrUnregisteredToken, 0},
	{"tokenless allowed", "", false, nil, 0},
	{"tokenless rejected", "", true, ErrMissingToken, 0},
}

func TestHandleAnnounce(t *testing.T) {
	r := newTestRepo(t)

	for _, tt := range announceCases {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHook(Config{RequireToken: tt.requireToken, Timeout: time.Second}, r)

			req := &bittorrent.AnnounceRequest{AuthToken: tt.token}
			ctx, err := h.HandleAnnounce(context.Background(), req, &bittorrent.AnnounceResponse{})
			require.Equal(t, tt.expected, err)

			u, ok := middleware.UserFromContext(ctx)
			if tt.expectedUser != 0 {
				require.True(t, ok)
				assert.Equal(t, tt.expectedUser, u.ID)
			} else {
				assert.False(t, ok)
			}
		})
	}
}

func TestHandleScrape(t *testing.T) {
	h := NewHook(Config{}, newTestRepo(t))

	in := context.Background()
	out, err := h.HandleScrape(in, &bittorrent.ScrapeRequest{}, &bittorrent.ScrapeResponse{})
	require.Nil(t, err)
	assert.Equal(t, in, out)
}
