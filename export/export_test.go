package export

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/billing/id"
	"github.com/xraph/billing/transaction"
)

func entries(txns ...*transaction.Transaction) iter.Seq2[*transaction.Transaction, error] {
	return func(yield func(*transaction.Transaction, error) bool) {
		for _, t := range txns {
			if !yield(t, nil) {
				return
			}
		}
	}
}

func TestWriterRendersPostings(t *testing.T) {
	acme, cowork := id.NewOrganizationID(), id.NewOrganizationID()
	lookups := 0
	names := ResolverFunc(func(_ context.Context, orgID id.ID) (string, error) {
		lookups++
		if orgID == acme {
			return "acme", nil
		}
		return "cowork", nil
	})

	entry := &transaction.Transaction{
		CreatedAt:          time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
		OrigAccount:        transaction.Backlog,
		OrigOrganizationID: cowork,
		OrigAmount:         2900,
		OrigUnit:           "usd",
		DestAccount:        transaction.Payable,
		DestOrganizationID: acme,
		DestAmount:         2900,
		DestUnit:           "usd",
		Description:        "Subscription to Pro until 2026/02/01",
	}

	var buf bytes.Buffer
	n, err := NewWriter(&buf, names).WriteAll(context.Background(), entries(entry, entry))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, lookups, "slugs are cached per organization")

	block := "2026/01/01 Subscription to Pro until 2026/02/01\n" +
		"    acme:Payable                                    29.00 usd\n" +
		"    cowork:Backlog                                 -29.00 usd\n\n"
	assert.Equal(t, block+block, buf.String())
}

func TestWriterKeepsDescriptionOnOneLine(t *testing.T) {
	acme := id.NewOrganizationID()
	names := ResolverFunc(func(context.Context, id.ID) (string, error) { return "acme", nil })
	entry := &transaction.Transaction{
		CreatedAt:          time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
		OrigAccount:        transaction.Payable,
		OrigOrganizationID: acme,
		OrigAmount:         100,
		OrigUnit:           "usd",
		DestAccount:        transaction.Writeoff,
		DestOrganizationID: acme,
		DestAmount:         100,
		DestUnit:           "usd",
		Description:        "Write-off (closed\n    acme:Funds  1000.00 usd\r\tdone)",
	}

	var buf bytes.Buffer
	_, err := NewWriter(&buf, names).WriteAll(context.Background(), entries(entry))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "2026/01/01 Write-off (closed     acme:Funds  1000.00 usd  done)", lines[0])
	assert.NotContains(t, buf.String(), "\r")
}

func TestWriterStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	names := ResolverFunc(func(context.Context, id.ID) (string, error) { return "", boom })
	entry := &transaction.Transaction{ID: id.NewTransactionID(), DestUnit: "usd", OrigUnit: "usd"}

	_, err := NewWriter(io.Discard, names).WriteAll(context.Background(), entries(entry))
	assert.ErrorIs(t, err, boom)

	failing := func(yield func(*transaction.Transaction, error) bool) {
		yield(nil, boom)
	}
	n, err := NewWriter(io.Discard, names).WriteAll(context.Background(), failing)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, n)
}

func TestFileSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	sink := FileSink{Dir: dir}

	require.NoError(t, sink.Put(context.Background(), "../acme.ledger", strings.NewReader("hello\n")))

	got, err := os.ReadFile(filepath.Join(dir, "acme.ledger"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(got))

	leftovers, err := filepath.Glob(filepath.Join(dir, ".export-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

type fakeS3 struct {
	in   *s3.PutObjectInput
	body string
	err  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.in = in
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = string(b)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Sink(t *testing.T) {
	client := &fakeS3{}
	sink := NewS3SinkWithClient(client, "ledgers", "/billing/")

	require.NoError(t, sink.Put(context.Background(), "acme.ledger", strings.NewReader("entries")))
	assert.Equal(t, "ledgers", aws.ToString(client.in.Bucket))
	assert.Equal(t, "billing/acme.ledger", aws.ToString(client.in.Key))
	assert.Equal(t, "entries", client.body)

	client.err = errors.New("access denied")
	err := sink.Put(context.Background(), "acme.ledger", strings.NewReader("entries"))
	assert.ErrorContains(t, err, "s3://ledgers")
}

func TestNewS3SinkRequiresBucket(t *testing.T) {
	_, err := NewS3Sink(context.Background(), S3Config{Region: "us-east-1"})
	assert.Error(t, err)
}
