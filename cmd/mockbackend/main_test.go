package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUsers(t *testing.T) {
	users, err := parseUsers([]string{"dev:dev", "ana:s3:cret"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"dev": "dev", "ana": "s3:cret"}, users)

	_, err = parseUsers([]string{"nopass"})
	assert.Error(t, err)
	_, err = parseUsers([]string{":pw"})
	assert.Error(t, err)
}

func TestFlagsDefaults(t *testing.T) {
	cmd := newRootCmd()
	f := cmd.Flags()
	addr, err := f.GetString("addr")
	require.NoError(t, err)
	assert.Equal(t, ":8000", addr)
	users, err := f.GetStringSlice("user")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev:dev"}, users)
}
