package pecoff_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pecoff"
	"pecoff/internal/testimage"
)

const idataRVA = 0x6000

var libraries = []testimage.Library{
	{Name: "KERNEL32.dll", Functions: []string{"GetProcAddress", "LoadLibraryA", "ExitProcess"}},
	{Name: "WS2_32.dll", Functions: []string{"#23", "WSAStartup"}},
}

func withImports(img *testimage.Image) *testimage.Image {
	idata := testimage.ImportSection(idataRVA, img.Is64, libraries...)
	img.Sections = append(img.Sections, testimage.Section{
		Name: ".idata", VirtualAddress: idataRVA, Data: idata, Characteristics: 0xc0000040,
	})
	img.Directories[pecoff.DirectoryImport] = testimage.Directory{
		VirtualAddress: idataRVA,
		Size:           uint32(20 * (len(libraries) + 1)),
	}
	return img
}

func Test_Imports(t *testing.T) {
	for _, img := range []*testimage.Image{testimage.Amd64(), testimage.Assembly()} {
		f := newFile(t, withImports(img).Bytes())

		imports, err := f.Imports()
		require.NoError(t, err)
		require.Len(t, imports, 2)

		require.Equal(t, "KERNEL32.dll", imports[0].Library)
		require.Equal(t, []string{"GetProcAddress", "LoadLibraryA", "ExitProcess"}, imports[0].Functions)
		require.Equal(t, "WS2_32.dll", imports[1].Library)
		require.Equal(t, []string{"#23", "WSAStartup"}, imports[1].Functions)

		d := imports[0].Descriptor
		require.Equal(t, uint32(idataRVA+60), d.OriginalFirstThunk)
		require.NotZero(t, d.FirstThunk)
		require.Equal(t, time.Unix(0, 0).UTC(), d.TimeDateStamp)

		libs, err := f.ImportedLibraries()
		require.NoError(t, err)
		require.Equal(t, []string{"KERNEL32.dll", "WS2_32.dll"}, libs)
	}
}

func Test_ImportsFromFirstThunk(t *testing.T) {
	img := testimage.Amd64()
	withImports(img)
	idata := img.Sections[len(img.Sections)-1].Data
	// bound images may drop the lookup table
	binary.LittleEndian.PutUint32(idata[0:], 0)

	f := newFile(t, img.Bytes())
	imports, err := f.Imports()
	require.NoError(t, err)
	require.Equal(t, []string{"GetProcAddress", "LoadLibraryA", "ExitProcess"}, imports[0].Functions)
}

func Test_ImportsAbsent(t *testing.T) {
	f := newFile(t, testimage.Amd64().Bytes())

	imports, err := f.Imports()
	require.NoError(t, err)
	require.Empty(t, imports)

	libs, err := f.ImportedLibraries()
	require.NoError(t, err)
	require.Empty(t, libs)
}

func Test_ImportsBadNameRva(t *testing.T) {
	img := testimage.Amd64()
	withImports(img)
	idata := img.Sections[len(img.Sections)-1].Data
	binary.LittleEndian.PutUint32(idata[12:], 0x9000)

	f := newFile(t, img.Bytes())
	_, err := f.ImportedLibraries()
	require.Equal(t, pecoff.InvalidRva, pecoff.KindOf(err))
}
