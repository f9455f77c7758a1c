//go:build integration

package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazwilder/iqx-dockmonitor/dock"
	"github.com/chazwilder/iqx-dockmonitor/natsclient"
)

func TestIntegration_OpenSaveLoad(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	s, err := Open(ctx, tc.Client, "", 0, nil)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Millisecond)
	d := dock.NewDockDoor("D1", now)
	d.LastEventAt = now
	require.NoError(t, s.SaveDoor(ctx, d))

	doors, err := s.LoadDoors(ctx)
	require.NoError(t, err)
	require.Len(t, doors, 1)
	assert.Equal(t, "D1", doors[0].ID)
	assert.True(t, doors[0].LastEventAt.Equal(now))
}
