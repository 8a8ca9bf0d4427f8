package event

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCleanRunsInReverseOrderOnce(t *testing.T) {
	c := newCleaner(time.Second)
	var order []int
	for i := 1; i <= 3; i++ {
		c.Add(CallableFunc(func(context.Context) error {
			order = append(order, i)
			return nil
		}))
	}
	assert.NoError(t, c.Clean())
	assert.Equal(t, []int{3, 2, 1}, order)

	c.Add(CallableFunc(func(context.Context) error {
		order = append(order, 4)
		return nil
	}))
	assert.NoError(t, c.Clean())
	assert.Equal(t, []int{3, 2, 1}, order)
}

func TestCleanCollectsErrorsAndBoundsTime(t *testing.T) {
	c := newCleaner(20 * time.Millisecond)
	boom := errors.New("boom")
	c.Add(CallableFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	c.Add(CallableFunc(func(context.Context) error { return boom }))

	err := c.Clean()
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
