package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTag_AncestorPaths(t *testing.T) {
	t.Run("Root_HasNone", func(t *testing.T) {
		tag := &Tag{Name: "eng", Path: "eng"}
		assert.Nil(t, tag.AncestorPaths())
	})

	t.Run("SingleParent", func(t *testing.T) {
		tag := &Tag{Name: "platform", Path: "eng/platform", Level: 1}
		assert.Equal(t, []string{"eng"}, tag.AncestorPaths())
	})

	t.Run("NearestFirst", func(t *testing.T) {
		tag := &Tag{Name: "search", Path: "eng/platform/search", Level: 2}
		assert.Equal(t, []string{"eng/platform", "eng"}, tag.AncestorPaths())
	})
}
