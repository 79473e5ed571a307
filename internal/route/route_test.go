package route_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routereplay/internal/models"
	"routereplay/internal/route"
)

// TestParseIdentifier covers the accepted identifier forms and their range
// semantics.
func TestParseIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		routeID string
		want    route.Identifier
		wantErr bool
	}{
		{
			name:    "bare route",
			routeID: "4cf7a6ad03080c90|2021-09-29--13-46-36",
			want:    route.Identifier{DongleID: "4cf7a6ad03080c90", Name: "2021-09-29--13-46-36", Begin: 0, End: -1},
		},
		{
			name:    "single segment suffix",
			routeID: "4cf7a6ad03080c90|2021-09-29--13-46-36--2",
			want:    route.Identifier{DongleID: "4cf7a6ad03080c90", Name: "2021-09-29--13-46-36", Begin: 2, End: 3},
		},
		{
			name:    "open range",
			routeID: "4cf7a6ad03080c90|2021-09-29--13-46-36/3",
			want:    route.Identifier{DongleID: "4cf7a6ad03080c90", Name: "2021-09-29--13-46-36", Begin: 3, End: -1},
		},
		{
			name:    "closed range",
			routeID: "4cf7a6ad03080c90|2021-09-29--13-46-36/1:4",
			want:    route.Identifier{DongleID: "4cf7a6ad03080c90", Name: "2021-09-29--13-46-36", Begin: 1, End: 4},
		},
		{
			name:    "missing dongle",
			routeID: "2021-09-29--13-46-36",
			wantErr: true,
		},
		{
			name:    "empty name",
			routeID: "4cf7a6ad03080c90|",
			wantErr: true,
		},
		{
			name:    "inverted range",
			routeID: "4cf7a6ad03080c90|2021-09-29--13-46-36/4:2",
			wantErr: true,
		},
		{
			name:    "negative begin",
			routeID: "4cf7a6ad03080c90|2021-09-29--13-46-36/-1",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := route.ParseIdentifier(tt.routeID)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

// TestIdentifier_Canonical verifies range suffixes never leak into the
// canonical form.
func TestIdentifier_Canonical(t *testing.T) {
	id, err := route.ParseIdentifier("d0ng1e|2021-09-29--13-46-36/1:4")
	require.NoError(t, err)
	assert.Equal(t, "d0ng1e|2021-09-29--13-46-36", id.Canonical())
}

// TestIdentifier_InRange verifies the half-open range semantics.
func TestIdentifier_InRange(t *testing.T) {
	id := route.Identifier{Begin: 1, End: 4}
	assert.False(t, id.InRange(0))
	assert.True(t, id.InRange(1))
	assert.True(t, id.InRange(3))
	assert.False(t, id.InRange(4))

	open := route.Identifier{Begin: 2, End: -1}
	assert.False(t, open.InRange(1))
	assert.True(t, open.InRange(1000))
}

// TestRoute_At verifies descriptor lookup by segment index, including gaps.
func TestRoute_At(t *testing.T) {
	r := &route.Route{Segments: []models.SegmentFiles{
		{Index: 0, Log: "a"},
		{Index: 2, Log: "c"},
	}}

	assert.Equal(t, 2, r.MaxIndex())
	seg, ok := r.At(2)
	require.True(t, ok)
	assert.Equal(t, "c", seg.Log)

	_, ok = r.At(1)
	assert.False(t, ok)

	empty := &route.Route{}
	assert.Equal(t, -1, empty.MaxIndex())
}
