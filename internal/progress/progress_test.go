package progress_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/labrun/internal/progress"
)

func f(v float64) *float64 { return &v }

func TestViewPercentage(t *testing.T) {
	tests := []struct {
		name    string
		current float64
		initial float64
		target  float64
		want    float64
	}{
		{"start", 0, 0, 10, 0},
		{"halfway", 5, 0, 10, 50},
		{"end", 10, 0, 10, 100},
		{"offset bounds", 15, 10, 20, 50},
		{"descending", 7.5, 10, 0, 25},
		{"overshoot clamps", 12, 0, 10, 100},
		{"undershoot clamps", -3, 0, 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := progress.View(progress.Signal{
				Current: f(tt.current),
				Initial: f(tt.initial),
				Target:  f(tt.target),
			})
			require.NotNil(t, v.Percentage)
			assert.InDelta(t, tt.want, *v.Percentage, 1e-9)
		})
	}
}

func TestViewEqualBoundsUsesDone(t *testing.T) {
	v := progress.View(progress.Signal{Current: f(1), Initial: f(1), Target: f(1)})
	assert.Nil(t, v.Percentage)
	assert.Nil(t, v.TimeRemaining)
	assert.False(t, v.Done)

	v = progress.View(progress.Signal{Current: f(1), Initial: f(1), Target: f(1), Done: true})
	require.NotNil(t, v.Percentage)
	assert.Equal(t, 100.0, *v.Percentage)
	assert.True(t, v.Done)
}

func TestViewTimeRemaining(t *testing.T) {
	v := progress.View(progress.Signal{
		Current: f(25),
		Initial: f(0),
		Target:  f(100),
		Elapsed: 10 * time.Second,
	})
	require.NotNil(t, v.TimeElapsed)
	require.NotNil(t, v.TimeRemaining)
	assert.InDelta(t, 10.0, *v.TimeElapsed, 1e-9)
	assert.InDelta(t, 30.0, *v.TimeRemaining, 1e-9)
}

func TestViewTimeRemainingAbsentAtZeroFraction(t *testing.T) {
	v := progress.View(progress.Signal{
		Current: f(0),
		Initial: f(0),
		Target:  f(100),
		Elapsed: 3 * time.Second,
	})
	require.NotNil(t, v.Percentage)
	assert.Equal(t, 0.0, *v.Percentage)
	assert.Nil(t, v.TimeRemaining)
}

func TestViewUnknownBounds(t *testing.T) {
	v := progress.View(progress.Signal{Current: f(3)})
	assert.Nil(t, v.Percentage)
	assert.Nil(t, v.TimeRemaining)
}

func TestViewDefaults(t *testing.T) {
	v := progress.View(progress.Signal{})
	assert.Equal(t, progress.DefaultName, v.DisplayName)
	assert.Equal(t, progress.DefaultUnit, v.Unit)
	assert.Equal(t, progress.DefaultPrecision, v.Precision)

	five := 5
	v = progress.View(progress.Signal{Name: "m1", Unit: "mm", Precision: &five})
	assert.Equal(t, "m1", v.DisplayName)
	assert.Equal(t, "mm", v.Unit)
	assert.Equal(t, 5, v.Precision)
}

func TestViewKeepsZeroPrecision(t *testing.T) {
	zero := 0
	v := progress.View(progress.Signal{Name: "points", Precision: &zero})
	assert.Equal(t, 0, v.Precision)
}

func TestViewDoneReportsZeroRemaining(t *testing.T) {
	v := progress.View(progress.Signal{
		Current: f(4),
		Initial: f(0),
		Target:  f(10),
		Elapsed: time.Second,
		Done:    true,
	})
	require.NotNil(t, v.TimeRemaining)
	assert.Equal(t, 0.0, *v.TimeRemaining)
	assert.Equal(t, 100.0, *v.Percentage)
}

func TestViewIsSafeConcurrently(t *testing.T) {
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Go(func() {
			v := progress.View(progress.Signal{
				Current: f(float64(i)),
				Initial: f(0),
				Target:  f(16),
				Elapsed: time.Second,
			})
			assert.InDelta(t, float64(i)/16*100, *v.Percentage, 1e-9)
		})
	}
	wg.Wait()
}
