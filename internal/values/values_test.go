package values

import (
	"testing"

	"github.com/agentic-research/refract/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical_PreservesParsedMemberOrder(t *testing.T) {
	a, err := ParseJSON(`{"foo":"bar","count":43}`)
	require.NoError(t, err)
	assert.Equal(t, `{"foo":"bar","count":43}`, Canonical(a))

	// The same members reordered encode differently and compare unequal.
	b, err := ParseJSON(`{"count":43,"foo":"bar"}`)
	require.NoError(t, err)
	assert.NotEqual(t, Canonical(a), Canonical(b))
	assert.False(t, Equal(a, b))
}

func TestCanonical_SortsPlainMapKeys(t *testing.T) {
	v := map[string]any{"b": int64(2), "a": int64(1)}
	assert.Equal(t, `{"a":1,"b":2}`, Canonical(v))
}

func TestObject_SetKeepsPositionDeleteForgets(t *testing.T) {
	o := NewObject()
	o.Set("x", int64(1))
	o.Set("y", int64(2))
	o.Set("x", int64(3))
	assert.Equal(t, `{"x":3,"y":2}`, Canonical(o))

	o.Delete("x")
	o.Set("x", int64(4))
	assert.Equal(t, `{"y":2,"x":4}`, Canonical(o))

	b, err := o.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"y":2,"x":4}`, string(b))
}

func TestEqual_DistinguishesNestedValues(t *testing.T) {
	a, _ := ParseJSON(`{"x":[1,2,3]}`)
	b, _ := ParseJSON(`{"x":[1,2,4]}`)
	assert.False(t, Equal(a, b))
}

func TestDeepCopy_Isolates(t *testing.T) {
	orig, _ := ParseJSON(`{"a":{"b":[1,2]}}`)
	cp := DeepCopy(orig)
	inner, _ := cp.(*Object).Get("a")
	arr, _ := inner.(*Object).Get("b")
	arr.([]any)[0] = int64(99)
	assert.False(t, Equal(orig, cp))
}

func TestScalarString(t *testing.T) {
	s, ok := ScalarString(nil)
	require.True(t, ok)
	assert.Equal(t, "null", s)

	s, ok = ScalarString("USD")
	require.True(t, ok)
	assert.Equal(t, "USD", s)

	s, ok = ScalarString(int64(42))
	require.True(t, ok)
	assert.Equal(t, "42", s)

	s, ok = ScalarString(true)
	require.True(t, ok)
	assert.Equal(t, "true", s)

	_, ok = ScalarString(map[string]any{})
	assert.False(t, ok)
}

func TestAsInt_RejectsFloats(t *testing.T) {
	_, ok := AsInt(float64(3))
	assert.False(t, ok)
	n, ok := AsInt(int64(3))
	require.True(t, ok)
	assert.Equal(t, int64(3), n)
}

func TestConvert_StringToNumbers(t *testing.T) {
	v, err := Convert("123", api.TypeString, api.TypeInt64)
	require.NoError(t, err)
	assert.Equal(t, int64(123), v)

	v, err = Convert("12.5", api.TypeString, api.TypeDouble)
	require.NoError(t, err)
	assert.Equal(t, 12.5, v)

	_, err = Convert("abc", api.TypeString, api.TypeInt64)
	assert.ErrorIs(t, err, ErrConvert)
}

func TestConvert_DoubleToInt64RoundsNearest(t *testing.T) {
	v, err := Convert(12.51, api.TypeDouble, api.TypeInt64)
	require.NoError(t, err)
	assert.Equal(t, int64(13), v)

	v, err = Convert(12.49, api.TypeDouble, api.TypeInt64)
	require.NoError(t, err)
	assert.Equal(t, int64(12), v)
}

func TestConvert_JSONScalarRules(t *testing.T) {
	v, err := Convert("99", api.TypeJSON, api.TypeInt64)
	require.NoError(t, err)
	assert.Equal(t, int64(99), v)

	// Doubles inside JSON cannot be read out.
	_, err = Convert(float64(9.9), api.TypeJSON, api.TypeDouble)
	assert.ErrorIs(t, err, ErrConvert)

	// Composites never convert to primitives.
	_, err = Convert(map[string]any{"a": int64(1)}, api.TypeJSON, api.TypeString)
	assert.ErrorIs(t, err, ErrConvert)
}

func TestConvert_BinaryOnlyTimeSeries(t *testing.T) {
	_, err := Convert([]byte{1}, api.TypeBinary, api.TypeString)
	assert.ErrorIs(t, err, ErrConvert)
	assert.True(t, ConvertibleToTimeSeries(api.TypeBinary))
}

func TestConvert_TimeSeriesUsesLatestEvent(t *testing.T) {
	series := []any{int64(1), int64(5), int64(7)}
	v, err := Convert(series, api.TypeTimeSeries, api.TypeString)
	require.NoError(t, err)
	assert.Equal(t, "7", v)

	_, err = Convert([]any{}, api.TypeTimeSeries, api.TypeString)
	assert.ErrorIs(t, err, ErrConvert)
}

func TestAppendEvent_RetainsLimit(t *testing.T) {
	s := AppendEvent(nil, int64(1), 2)
	s = AppendEvent(s, int64(2), 2)
	s = AppendEvent(s, int64(3), 2)
	assert.Equal(t, []any{int64(2), int64(3)}, s)
}
