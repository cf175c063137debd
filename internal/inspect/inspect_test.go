package inspect_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/kiranshivaraju/gwasflow/internal/inspect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stringOpener map[string]string

func (o stringOpener) Open(_ context.Context, location string) (io.ReadCloser, error) {
	body, ok := o[location]
	if !ok {
		return nil, errors.New("no such object")
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func bimLine(chrom, id string) string {
	return chrom + "\t" + id + "\t0\t1000\tA\tG\n"
}

func TestScan_PreservesFirstSeenOrder(t *testing.T) {
	input := bimLine("chr2", "rs1") + bimLine("chr2", "rs2") + bimLine("chr1", "rs3") + bimLine("chrX", "rs4")

	chroms, err := inspect.Scan(strings.NewReader(input), inspect.FormatBIM)
	require.NoError(t, err)
	assert.Equal(t, []string{"chr2", "chr1", "chrX"}, chroms)
}

func TestScan_NoSortingOfNumericLabels(t *testing.T) {
	input := bimLine("10", "a") + bimLine("2", "b") + bimLine("1", "c") + bimLine("10", "d")

	chroms, err := inspect.Scan(strings.NewReader(input), inspect.FormatBIM)
	require.NoError(t, err)
	assert.Equal(t, []string{"10", "2", "1"}, chroms)
}

func TestScan_NonHumanLabels(t *testing.T) {
	input := bimLine("2L", "a") + bimLine("2R", "b") + bimLine("3L", "c") + bimLine("mitochondrion_genome", "d")

	chroms, err := inspect.Scan(strings.NewReader(input), inspect.FormatBIM)
	require.NoError(t, err)
	assert.Equal(t, []string{"2L", "2R", "3L", "mitochondrion_genome"}, chroms)
}

func TestScan_PVARSkipsHeaders(t *testing.T) {
	input := "##fileformat=VCFv4.2\n#CHROM\tPOS\tID\tREF\tALT\n" +
		"1\t100\trs1\tA\tG\n3\t200\trs2\tC\tT\n1\t300\trs3\tG\tA\n"

	chroms, err := inspect.Scan(strings.NewReader(input), inspect.FormatPVAR)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "3"}, chroms)
}

func TestScan_SkipsBlankLinesAndCRLF(t *testing.T) {
	input := "1 rs1 0 10 A G\r\n\r\n\n2 rs2 0 20 A G\r\n"

	chroms, err := inspect.Scan(strings.NewReader(input), inspect.FormatBIM)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, chroms)
}

func TestScan_MalformedBIMRecord(t *testing.T) {
	input := bimLine("1", "rs1") + "2\trs2\t0\n" + bimLine("3", "rs3")

	chroms, err := inspect.Scan(strings.NewReader(input), inspect.FormatBIM)
	assert.Nil(t, chroms)

	var dfe *inspect.DataFormatError
	require.ErrorAs(t, err, &dfe)
	assert.Equal(t, 2, dfe.Line)
	assert.Contains(t, dfe.Reason, "at least 6 fields")
}

func TestScan_EmptyInput(t *testing.T) {
	_, err := inspect.Scan(strings.NewReader(""), inspect.FormatBIM)
	assert.ErrorIs(t, err, inspect.ErrNoChromosomesDetected)
}

func TestScan_HeaderOnlyPVAR(t *testing.T) {
	_, err := inspect.Scan(strings.NewReader("#CHROM\tPOS\tID\tREF\tALT\n"), inspect.FormatPVAR)
	assert.ErrorIs(t, err, inspect.ErrNoChromosomesDetected)
}

func TestScan_LargeInputManyRecords(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 50000; i++ {
		if i < 25000 {
			sb.WriteString(bimLine("5", "rs"))
		} else {
			sb.WriteString(bimLine("6", "rs"))
		}
	}

	chroms, err := inspect.Scan(strings.NewReader(sb.String()), inspect.FormatBIM)
	require.NoError(t, err)
	assert.Equal(t, []string{"5", "6"}, chroms)
}

func TestFormatForPath(t *testing.T) {
	assert.Equal(t, inspect.FormatBIM, inspect.FormatForPath("s3://b/data/study.bim"))
	assert.Equal(t, inspect.FormatPVAR, inspect.FormatForPath("/mnt/study.PVAR"))
	assert.Equal(t, inspect.FormatGeneric, inspect.FormatForPath("variants.txt"))
}

func TestInspector_Chromosomes(t *testing.T) {
	opener := stringOpener{
		"s3://bucket/in/study.bim": bimLine("22", "a") + bimLine("21", "b"),
	}
	i := inspect.New(opener)

	chroms, err := i.Chromosomes(context.Background(), "s3://bucket/in/study.bim")
	require.NoError(t, err)
	assert.Equal(t, []string{"22", "21"}, chroms)
}

func TestInspector_MalformedCarriesLocation(t *testing.T) {
	opener := stringOpener{"s3://bucket/in/study.bim": "1 rs1\n"}
	i := inspect.New(opener)

	_, err := i.Chromosomes(context.Background(), "s3://bucket/in/study.bim")
	var dfe *inspect.DataFormatError
	require.ErrorAs(t, err, &dfe)
	assert.Equal(t, "s3://bucket/in/study.bim", dfe.Location)
	assert.Contains(t, err.Error(), "s3://bucket/in/study.bim")
}

func TestInspector_OpenError(t *testing.T) {
	i := inspect.New(stringOpener{})

	_, err := i.Chromosomes(context.Background(), "s3://bucket/missing.bim")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open variant index")
}
