package scraper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stub struct{ name string }

func (s stub) Name() string { return s.name }

func (s stub) Scrape(context.Context, string, Options) (Content, error) { return nil, nil }

func TestRegistry(t *testing.T) {
	Register(stub{"Portal.Test"})

	s, ok := Get("portal.test")
	assert.True(t, ok)
	assert.Equal(t, "Portal.Test", s.Name())
	assert.Contains(t, Names(), "portal.test")

	_, ok = Get("missing")
	assert.False(t, ok)
}
