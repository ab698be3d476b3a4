package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntityKey(t *testing.T) {
	t.Run("same name and file give the same key", func(t *testing.T) {
		a := CES{Attributes: map[string]interface{}{"long_name": "pkg.Foo", "file_id": int64(3)}}
		b := CES{Attributes: map[string]interface{}{"long_name": "pkg.Foo", "file_id": int64(3)}}

		ka, ok := EntityKey(a)
		assert.True(t, ok)
		kb, _ := EntityKey(b)
		assert.Equal(t, ka, kb)
	})

	t.Run("different files are different entities", func(t *testing.T) {
		a := CES{Attributes: map[string]interface{}{"long_name": "pkg.Foo", "file_id": int64(3)}}
		b := CES{Attributes: map[string]interface{}{"long_name": "pkg.Foo", "file_id": int64(4)}}

		ka, _ := EntityKey(a)
		kb, _ := EntityKey(b)
		assert.NotEqual(t, ka, kb)
	})

	t.Run("missing identity attributes yield no key", func(t *testing.T) {
		_, ok := EntityKey(CES{Attributes: map[string]interface{}{"long_name": "pkg.Foo"}})
		assert.False(t, ok)
	})
}
