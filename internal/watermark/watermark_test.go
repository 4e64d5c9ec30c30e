package watermark

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromStringBareMajor(t *testing.T) {
	v, err := FromString("130")
	require.NoError(t, err)
	assert.Equal(t, Version{Major: "130", Minor: 0}, v)
}

func TestFromStringWithMinor(t *testing.T) {
	v, err := FromString("130.01")
	require.NoError(t, err)
	assert.Equal(t, Version{Major: "130", Minor: 1}, v)
}

func TestToStringRoundTrip(t *testing.T) {
	for _, s := range []string{"130", "130.01", "9999999.99"} {
		v, err := FromString(s)
		require.NoError(t, err)
		assert.Equal(t, s, v.String())
	}
}

func TestToStringFixedMinorEncoding(t *testing.T) {
	assert.Equal(t, "123.01", Version{Major: "123", Minor: 1}.String())
	assert.Equal(t, "123.10", Version{Major: "123", Minor: 10}.String())
}

func TestSucc(t *testing.T) {
	v, _ := FromString("123")
	s := v.Succ()
	assert.Equal(t, Version{Major: "123", Minor: 1}, s)
	assert.True(t, v.Less(s))
}

func TestLexOrderPreservedAcrossMinorWidths(t *testing.T) {
	a := Version{Major: "123", Minor: 1}
	b := Version{Major: "123", Minor: 10}
	assert.True(t, a.Less(b), "123.01 must sort before 123.10")
}

func TestMalformedString(t *testing.T) {
	_, err := FromString("")
	assert.Error(t, err)

	_, err = FromString(".01")
	assert.Error(t, err)

	_, err = FromString("123.1")
	assert.Error(t, err, "minor must be zero-padded to fixed width")
}

func TestCompare(t *testing.T) {
	a, _ := FromString("100")
	b, _ := FromString("100.01")
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(a))
}
