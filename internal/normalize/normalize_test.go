package normalize

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runharvest/runharvest/internal/store"
)

func fieldMap(rec store.Record) map[string]string {
	m := make(map[string]string, len(rec.Fields))
	for _, f := range rec.Fields {
		m[f.Key] = f.Value
	}
	return m
}

func TestCSVQuotedComma(t *testing.T) {
	t.Parallel()

	res, err := CSV([]byte("name,price\n\"Widget, Deluxe\",19.99\n"))
	require.NoError(t, err)
	require.Equal(t, KindTabular, res.Kind)
	require.Equal(t, []string{"name", "price"}, res.Header)
	require.Len(t, res.Records, 1)

	got := fieldMap(res.Records[0])
	require.Equal(t, "Widget, Deluxe", got["name"])
	require.Equal(t, "19.99", got["price"])
}

func TestCSVDoubledQuotes(t *testing.T) {
	t.Parallel()

	res, err := CSV([]byte("note\n\"say \"\"hi\"\"\"\n"))
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	require.Equal(t, `say "hi"`, res.Records[0].Fields[0].Value)
}

func TestCSVEmbeddedNewline(t *testing.T) {
	t.Parallel()

	res, err := CSV([]byte("desc,sku\n\"line one\nline two\",A1\n"))
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	got := fieldMap(res.Records[0])
	require.Equal(t, "line one\nline two", got["desc"])
	require.Equal(t, "A1", got["sku"])
}

func TestCSVShortRowPadded(t *testing.T) {
	t.Parallel()

	res, err := CSV([]byte("a,b,c\nonly\n1,2,3\n"))
	require.NoError(t, err)
	require.Len(t, res.Records, 2)

	first := fieldMap(res.Records[0])
	require.Equal(t, "only", first["a"])
	require.Equal(t, "", first["b"])
	require.Equal(t, "", first["c"])
	require.Len(t, res.Records[0].Fields, 3, "short rows pad, never drop")
}

func TestCSVLongRowKeepsExtraCells(t *testing.T) {
	t.Parallel()

	res, err := CSV([]byte("a,b\n1,2,3\n"))
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	require.Len(t, res.Records[0].Fields, 3)
	require.Equal(t, "column_3", res.Records[0].Fields[2].Key)
	require.Equal(t, "3", res.Records[0].Fields[2].Value)
}

func TestCSVEmptyInputs(t *testing.T) {
	t.Parallel()

	for name, input := range map[string][]byte{
		"nil":         nil,
		"whitespace":  []byte("  \n "),
		"header only": []byte("a,b,c\n"),
		"bom only":    {0xef, 0xbb, 0xbf},
	} {
		res, err := CSV(input)
		require.NoError(t, err, name)
		require.Equal(t, KindEmpty, res.Kind, name)
		require.Empty(t, res.Records, name)
	}
}

func TestCSVStripsBOM(t *testing.T) {
	t.Parallel()

	input := append([]byte{0xef, 0xbb, 0xbf}, []byte("name\nwidget\n")...)
	res, err := CSV(input)
	require.NoError(t, err)
	require.Equal(t, []string{"name"}, res.Header)
}

func TestCSVBrokenQuotingFails(t *testing.T) {
	t.Parallel()

	_, err := CSV([]byte("name,price\nwid\"get,1\n"))
	require.Error(t, err)

	_, err = CSV([]byte("name,price\n\"unterminated,1\n"))
	require.Error(t, err)
}

func TestJSONArrayOfObjects(t *testing.T) {
	t.Parallel()

	res, err := JSON([]byte(`[{"name":"Widget","price":19.99},{"name":"Gadget","price":5}]`))
	require.NoError(t, err)
	require.Equal(t, KindArray, res.Kind)
	require.Len(t, res.Records, 2)
	require.Equal(t, []string{"name", "price"}, res.Header)

	first := res.Records[0]
	require.Equal(t, "name", first.Fields[0].Key, "document key order survives")
	require.Equal(t, "19.99", first.Fields[1].Value, "number literal survives")
}

func TestJSONArraySkipsScalarElements(t *testing.T) {
	t.Parallel()

	res, err := JSON([]byte(`[1, "loose", {"sku":"A1"}]`))
	require.NoError(t, err)
	require.Equal(t, KindArray, res.Kind)
	require.Len(t, res.Records, 1)
	require.Equal(t, "A1", res.Records[0].Fields[0].Value)
}

func TestJSONObjectPicksFirstRecordArray(t *testing.T) {
	t.Parallel()

	payload := `{
		"scalars": [1, 2, 3],
		"products": [{"name":"Widget"},{"name":"Gadget"}],
		"also_records": [{"name":"Never"}]
	}`
	res, err := JSON([]byte(payload))
	require.NoError(t, err)
	require.Equal(t, KindArray, res.Kind)
	require.Len(t, res.Records, 2)
	require.Equal(t, "Widget", res.Records[0].Fields[0].Value)
}

func TestJSONSingleObject(t *testing.T) {
	t.Parallel()

	res, err := JSON([]byte(`{"name":"Widget, Deluxe","price":19.99,"specs":{"w":2}}`))
	require.NoError(t, err)
	require.Equal(t, KindSingleObject, res.Kind)
	require.Len(t, res.Records, 1)

	got := fieldMap(res.Records[0])
	require.Equal(t, "Widget, Deluxe", got["name"])
	require.Equal(t, "19.99", got["price"])
	require.Equal(t, `{"w":2}`, got["specs"], "nested values serialize compactly")
}

func TestJSONEmptyVariants(t *testing.T) {
	t.Parallel()

	for name, input := range map[string][]byte{
		"empty array":        []byte(`[]`),
		"empty object":       []byte(`{}`),
		"null":               []byte(`null`),
		"blank":              []byte(``),
		"bare scalar":        []byte(`42`),
		"only empty scalars": []byte(`{"a":"","b":null}`),
		"array of scalars":   []byte(`[1,2,3]`),
		"empty record array": []byte(`{"products":[]}`),
	} {
		res, err := JSON(input)
		require.NoError(t, err, name)
		require.Equal(t, KindEmpty, res.Kind, name)
		require.Empty(t, res.Records, name)
	}
}

func TestJSONMalformed(t *testing.T) {
	t.Parallel()

	_, err := JSON([]byte(`{"name": `))
	require.Error(t, err)
	_, err = JSON([]byte(`[{"a":}]`))
	require.Error(t, err)
}

func TestJSONNullBecomesEmptyString(t *testing.T) {
	t.Parallel()

	res, err := JSON([]byte(`[{"name":"x","gone":null}]`))
	require.NoError(t, err)
	got := fieldMap(res.Records[0])
	require.Equal(t, "", got["gone"])
}

func TestWriteCSVRoundTrip(t *testing.T) {
	t.Parallel()

	records := []store.StoredRecord{
		{Index: 0, Fields: []store.Field{{Key: "name", Value: "Widget, Deluxe"}, {Key: "price", Value: "19.99"}}},
		{Index: 1, Fields: []store.Field{{Key: "name", Value: `say "hi"`}, {Key: "price", Value: ""}}},
	}

	out, err := WriteCSV(records)
	require.NoError(t, err)

	back, err := CSV(out)
	require.NoError(t, err)
	require.Len(t, back.Records, 2)

	first := fieldMap(back.Records[0])
	require.Equal(t, "Widget, Deluxe", first["name"])
	require.Equal(t, "19.99", first["price"])

	second := fieldMap(back.Records[1])
	require.Equal(t, `say "hi"`, second["name"])
}

func TestWriteCSVPadsMissingFields(t *testing.T) {
	t.Parallel()

	records := []store.StoredRecord{
		{Index: 0, Fields: []store.Field{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}}},
		{Index: 1, Fields: []store.Field{{Key: "b", Value: "only-b"}}},
	}

	out, err := WriteCSV(records)
	require.NoError(t, err)
	require.Equal(t, "a,b\n1,2\n,only-b\n", string(out))
}
