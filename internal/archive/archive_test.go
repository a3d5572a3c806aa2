package archive

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleProject() *Project {
	return &Project{
		Name: "CoRE MOF v1.0",
		Kind: KindGroup,
		Children: []*Project{
			{
				Name: "ABAVIJ",
				Kind: KindLeaf,
				Structures: []Structure{{
					Name:      "ABAVIJ_clean",
					Positions: []Vec3{{0, 0, 0}, {1.5, -2, 3}, {-1, 4, 0.5}},
				}},
			},
			{Name: "empty", Kind: KindLeaf},
		},
	}
}

func TestBinaryFrame(t *testing.T) {
	data, err := EncodeBinary(sampleProject())
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, binary.LittleEndian.Uint32(data))
	assert.Equal(t, Magic, binary.LittleEndian.Uint64(data[len(data)-8:]))

	got, err := DecodeBinary(data)
	require.NoError(t, err)
	assert.Equal(t, sampleProject(), got)
}

func TestBinaryRejectsBadFrames(t *testing.T) {
	good, err := EncodeBinary(sampleProject())
	require.NoError(t, err)

	newer := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(newer, CurrentVersion+1)

	badMagic := append([]byte(nil), good...)
	badMagic[len(badMagic)-1] ^= 0xff

	cutPayload := append(append([]byte(nil), good[:len(good)-12]...), good[len(good)-8:]...)

	older := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(older, 1)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"newer version", newer, ErrVersion},
		{"bad magic", badMagic, ErrMagic},
		{"too short", good[:10], ErrTruncated},
		{"payload cut", cutPayload, ErrTruncated},
		{"older version", older, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeBinary(tt.data)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestChainFallsBackToLegacy(t *testing.T) {
	legacy, err := EncodeLegacy(sampleProject())
	require.NoError(t, err)

	p, used, err := DefaultChain().Decode(legacy)
	require.NoError(t, err)
	assert.Equal(t, "legacy", used)
	assert.Equal(t, "CoRE MOF v1.0", p.Name)
	require.Len(t, p.Children, 2)
	assert.Equal(t, Vec3{1.5, -2, 3}, p.Children[0].Structures[0].Positions[1])
}

func TestChainPrefersBinary(t *testing.T) {
	data, err := EncodeBinary(sampleProject())
	require.NoError(t, err)
	_, used, err := DefaultChain().Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "binary", used)
}

func TestChainReportsEveryStrategy(t *testing.T) {
	_, _, err := DefaultChain().Decode([]byte("definitely not a project"))
	require.Error(t, err)
	assert.True(t, IsDecodeError(err))

	var de *DecodeError
	require.True(t, errors.As(err, &de))
	require.Len(t, de.Attempts, 2)
	assert.Equal(t, "binary", de.Attempts[0].Strategy)
	assert.Equal(t, "legacy", de.Attempts[1].Strategy)
	assert.ErrorIs(t, err, ErrVersion)
	assert.True(t, de.DecodeFailed())
}

func TestDefaultModelFinalize(t *testing.T) {
	p := sampleProject()
	p.Children[0].Structures = append(p.Children[0].Structures, Structure{Name: "custom", ForceField: "UFF"})
	require.NoError(t, DefaultModel{ForceField: "DREIDING"}.Finalize(p))

	s := p.Children[0].Structures[0]
	assert.Equal(t, "DREIDING", s.ForceField)
	assert.Equal(t, Bounds{Min: Vec3{-1, -2, 0}, Max: Vec3{1.5, 4, 3}}, s.Bounds)
	assert.Equal(t, "UFF", p.Children[0].Structures[1].ForceField)
	assert.Equal(t, Bounds{}, p.Children[0].Structures[1].Bounds)
}
