package record

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_FromPosix(t *testing.T) {
	tm, err := FromPosix(0)
	require.NoError(t, err)
	require.Equal(t, time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC), tm)

	tm, err = FromPosix(0x5e000000)
	require.NoError(t, err)
	require.Equal(t, time.Date(2019, 12, 22, 23, 45, 4, 0, time.UTC), tm)

	tm, err = FromPosix(math.MaxUint32)
	require.NoError(t, err)
	require.Equal(t, time.Date(2106, 2, 7, 6, 28, 15, 0, time.UTC), tm)

	_, err = FromPosix(-1)
	require.ErrorIs(t, err, ErrOutOfRange)

	_, err = FromPosix(math.MaxUint32 + 1)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func Test_ToPosix(t *testing.T) {
	u, err := ToPosix(time.Time{})
	require.NoError(t, err)
	require.Zero(t, u)

	u, err = ToPosix(time.Date(2019, 12, 22, 23, 45, 4, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, uint32(0x5e000000), u)

	_, err = ToPosix(time.Date(2106, 2, 7, 6, 28, 16, 0, time.UTC))
	require.ErrorIs(t, err, ErrOutOfRange)

	_, err = ToPosix(time.Date(1969, 12, 31, 23, 59, 59, 0, time.UTC))
	require.ErrorIs(t, err, ErrOutOfRange)
}

func Test_CheckMagic(t *testing.T) {
	d := Descriptor{Name: "Signature", Kind: KindInteger, Width: 4}
	require.NoError(t, CheckMagic(d, 1234))

	Magic(0x4550)(&d)
	require.NoError(t, CheckMagic(d, 0x4550))

	err := CheckMagic(d, 0x4551)
	require.ErrorIs(t, err, ErrSignatureMismatch)
	require.EqualError(t, err, "Signature: signature mismatch: want 0x4550, got 0x4551")
}

func Test_DecodeVersion(t *testing.T) {
	d := Descriptor{Kind: KindVersion, Components: 2, Width: 1}
	v, err := DecodeVersion(d, []byte{14, 29})
	require.NoError(t, err)
	require.Equal(t, Version{14, 29}, v)
	require.Equal(t, uint32(14), v.Major())
	require.Equal(t, uint32(29), v.Minor())

	d = Descriptor{Kind: KindVersion, Components: 3, Width: 4}
	v, err = DecodeVersion(d, []byte{1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0})
	require.NoError(t, err)
	require.Equal(t, "1.2.3", v.String())

	_, err = DecodeVersion(d, []byte{1, 0, 0, 0})
	require.ErrorIs(t, err, ErrEndOfStream)

	d.Width = 3
	_, err = DecodeVersion(d, make([]byte, 9))
	require.ErrorIs(t, err, ErrUnknownFieldType)
}

func Test_VersionText(t *testing.T) {
	b, err := Version{4, 0, 30319}.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "4.0.30319", string(b))
	require.Equal(t, "", Version(nil).String())
	require.Zero(t, Version(nil).Minor())
}

func Test_DecodeInteger(t *testing.T) {
	u, err := DecodeInteger([]byte{0x64, 0x86})
	require.NoError(t, err)
	require.Equal(t, uint64(0x8664), u)

	_, err = DecodeInteger(nil)
	require.ErrorIs(t, err, ErrUnknownFieldType)
}
