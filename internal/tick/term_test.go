// SPDX-License-Identifier: MIT

package tick

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTermRejectsEmptyInterval(t *testing.T) {
	_, err := NewTerm(5, 5)
	require.Error(t, err)
	_, err = NewTerm(10, 5)
	require.Error(t, err)
}

func TestTermContainsHalfOpen(t *testing.T) {
	term, err := NewTerm(5, 10)
	require.NoError(t, err)

	assert.False(t, term.Contains(4))
	assert.True(t, term.Contains(5))
	assert.True(t, term.Contains(9))
	assert.False(t, term.Contains(10))
}

func TestTermExpired(t *testing.T) {
	term, err := NewTerm(5, 10)
	require.NoError(t, err)

	assert.False(t, term.Expired(9))
	assert.True(t, term.Expired(10))
	assert.True(t, term.Expired(math.MaxInt64))
}

func TestTermExtend(t *testing.T) {
	term, err := NewTerm(5, 10)
	require.NoError(t, err)

	ext, err := term.Extend(10)
	require.NoError(t, err)
	assert.Equal(t, int64(5), ext.Start)
	assert.Equal(t, int64(10), ext.NewStart)
	assert.Equal(t, int64(20), ext.End)

	_, err = term.Extend(0)
	assert.Error(t, err)
	_, err = term.Extend(-1)
	assert.Error(t, err)
}

func TestExtendsTermValidation(t *testing.T) {
	term, err := NewTerm(5, 10)
	require.NoError(t, err)

	assert.NoError(t, term.ExtendsTerm(Term{Start: 5, End: 20}))
	// Same end or earlier is not an extension.
	assert.Error(t, term.ExtendsTerm(Term{Start: 5, End: 10}))
	assert.Error(t, term.ExtendsTerm(Term{Start: 5, End: 8}))
	// The start is immutable across extensions.
	assert.Error(t, term.ExtendsTerm(Term{Start: 6, End: 20}))
}
