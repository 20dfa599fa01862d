package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	return p
}

func TestReadObjects_YAMLList(t *testing.T) {
	p := writeFile(t, "objects.yaml", `
- key: P-1
  object_type: product
  properties:
    name: Acme Pump
  routes:
    - import_group_hash: g1
      route_title: Pumps
      route_path: /pumps/1
- key: P-2
`)
	objs, err := readObjects(p)
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, "Acme Pump", objs[0].Properties["name"])
	assert.Equal(t, "/pumps/1", objs[0].Routes[0].RoutePath)
	assert.Equal(t, "P-2", objs[1].Key)
}

func TestReadObjects_JSONDocument(t *testing.T) {
	p := writeFile(t, "objects.json", `{"objects": [{"key": "P-1", "properties": {"name": "Acme Valve"}}]}`)
	objs, err := readObjects(p)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "Acme Valve", objs[0].Properties["name"])
}

func TestReadObjects_Errors(t *testing.T) {
	_, err := readObjects(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = readObjects(writeFile(t, "bad.yaml", "objects: [unclosed"))
	assert.Error(t, err)
}
