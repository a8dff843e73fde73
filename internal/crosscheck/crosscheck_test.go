package crosscheck

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"pecoff"
	"pecoff/internal/testimage"
)

func summary(t *testing.T) Summary {
	t.Helper()
	b := testimage.Amd64().Bytes()
	f, err := pecoff.NewFile(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)
	return FromFile(f)
}

func Test_FromFile(t *testing.T) {
	require.Equal(t, Summary{
		NewHeaderOffset: testimage.DefaultCoffOffset,
		Machine:         0x8664,
		Sections: []Section{
			{Name: ".text", VirtualAddress: 0x1000, VirtualSize: 0x100, PointerToRawData: 0x200},
			{Name: ".data", VirtualAddress: 0x2000, VirtualSize: 0x80, PointerToRawData: 0x400},
		},
	}, summary(t))
}

func Test_DiffEqual(t *testing.T) {
	require.NoError(t, Diff(summary(t), summary(t)))
}

func Test_DiffMismatch(t *testing.T) {
	theirs := summary(t)
	theirs.Machine = 0x14c
	theirs.Sections[1].Name = ".rdata"

	err := Diff(summary(t), theirs)
	require.ErrorIs(t, err, ErrMismatch)

	var me *MismatchError
	require.ErrorAs(t, err, &me)
	require.Equal(t, []Mismatch{
		{Field: "Machine", Pecoff: "0x8664", Saferwall: "0x14c"},
		{Field: "Sections[1].Name", Pecoff: ".data", Saferwall: ".rdata"},
	}, me.Mismatches)
	require.EqualError(t, err, "crosscheck: 2 mismatches: Machine: pecoff 0x8664, saferwall 0x14c; Sections[1].Name: pecoff .data, saferwall .rdata")
}

func Test_DiffSectionCount(t *testing.T) {
	theirs := summary(t)
	theirs.Sections = theirs.Sections[:1]

	var me *MismatchError
	require.ErrorAs(t, Diff(summary(t), theirs), &me)
	require.Equal(t, []Mismatch{{Field: "NumberOfSections", Pecoff: 2, Saferwall: 1}}, me.Mismatches)
}

func Test_CompareMissingFile(t *testing.T) {
	b := testimage.Amd64().Bytes()
	f, err := pecoff.NewFile(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)

	err = Compare(f, filepath.Join(t.TempDir(), "missing.exe"))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrMismatch)
}

func Test_CompareTestImages(t *testing.T) {
	for name, img := range map[string]*testimage.Image{
		"amd64":    testimage.Amd64(),
		"assembly": testimage.Assembly(),
	} {
		path := img.Write(t)
		f, err := pecoff.Open(path)
		require.NoError(t, err, name)
		require.NoError(t, Compare(f, path), name)
		require.NoError(t, f.Close(), name)
	}
}
