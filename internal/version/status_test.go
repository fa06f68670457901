package version

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsmkv-project/lsmkv/internal/filestore"
	"github.com/lsmkv-project/lsmkv/internal/genid"
)

func TestStatusInstallAndReload(t *testing.T) {
	fs := afero.NewMemMapFs()
	factory, err := filestore.New(fs, "/data/version", "log")
	require.NoError(t, err)
	src, err := genid.NewSource(1)
	require.NoError(t, err)

	st, err := LoadWithPath(factory, src)
	require.NoError(t, err)

	var e Edit
	e.NewFile(0, meta(1, "a", "z"))
	_, err = st.Install(e)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st2, err := LoadWithPath(factory, src)
	require.NoError(t, err)
	require.Len(t, st2.Current().TablesByLevel(0), 1)
}

func TestRotateCompactsLogAndSurvivesReload(t *testing.T) {
	fs := afero.NewMemMapFs()
	factory, err := filestore.New(fs, "/data/version", "log")
	require.NoError(t, err)
	src, err := genid.NewSource(1)
	require.NoError(t, err)

	st, err := LoadWithPath(factory, src)
	require.NoError(t, err)

	var e1 Edit
	e1.NewFile(0, meta(1, "a", "m"))
	_, err = st.Install(e1)
	require.NoError(t, err)

	require.NoError(t, st.Rotate())

	var e2 Edit
	e2.NewFile(1, meta(2, "n", "z"))
	_, err = st.Install(e2)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st2, err := LoadWithPath(factory, src)
	require.NoError(t, err)
	assert.Len(t, st2.Current().TablesByLevel(0), 1)
	assert.Len(t, st2.Current().TablesByLevel(1), 1)
}
