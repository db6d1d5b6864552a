// Package export renders ledger entries as plain-text double entry and
// ships the result to a file or an S3 bucket.
//
// Each transaction becomes one block: a dated description line followed
// by the destination and origin postings, amounts in major units.
//
//	2026/01/01 Subscription to Pro until 2026/02/01
//	    acme:Payable                                      29.00 usd
//	    cowork:Backlog                                   -29.00 usd
package export

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"iter"
	"strings"
	"unicode"

	"github.com/xraph/billing/id"
	"github.com/xraph/billing/transaction"
	"github.com/xraph/billing/types"
)

// Resolver names the organizations that appear in account names.
type Resolver interface {
	OrganizationSlug(ctx context.Context, orgID id.ID) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, orgID id.ID) (string, error)

func (f ResolverFunc) OrganizationSlug(ctx context.Context, orgID id.ID) (string, error) {
	return f(ctx, orgID)
}

const accountWidth = 40

type Writer struct {
	w     *bufio.Writer
	names Resolver
	cache map[id.ID]string
}

// NewWriter returns a Writer rendering to w. Slugs are looked up once per
// organization.
func NewWriter(w io.Writer, names Resolver) *Writer {
	return &Writer{w: bufio.NewWriter(w), names: names, cache: make(map[id.ID]string)}
}

// Write renders a single transaction. Call Flush when done.
func (w *Writer) Write(ctx context.Context, t *transaction.Transaction) error {
	dest, err := w.account(ctx, t.DestOrganizationID, t.DestAccount)
	if err != nil {
		return err
	}
	orig, err := w.account(ctx, t.OrigOrganizationID, t.OrigAccount)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w.w, "%s %s\n", t.CreatedAt.UTC().Format("2006/01/02"), oneLine(t.Description)); err != nil {
		return err
	}
	if err := w.posting(dest, types.New(t.DestAmount, t.DestUnit)); err != nil {
		return err
	}
	if err := w.posting(orig, types.New(-t.OrigAmount, t.OrigUnit)); err != nil {
		return err
	}
	_, err = w.w.WriteString("\n")
	return err
}

// WriteAll renders every entry of seq and flushes. It returns the number of
// entries written.
func (w *Writer) WriteAll(ctx context.Context, seq iter.Seq2[*transaction.Transaction, error]) (int, error) {
	n := 0
	for t, err := range seq {
		if err != nil {
			return n, err
		}
		if err := w.Write(ctx, t); err != nil {
			return n, fmt.Errorf("export: write %s: %w", t.ID, err)
		}
		n++
	}
	return n, w.Flush()
}

func (w *Writer) Flush() error { return w.w.Flush() }

// oneLine replaces control characters so a description cannot start a
// posting line of its own.
func oneLine(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
}

func (w *Writer) posting(account string, amount types.Money) error {
	_, err := fmt.Fprintf(w.w, "    %-*s %12s %s\n", accountWidth, account, amount.FormatMajor(), amount.Currency)
	return err
}

func (w *Writer) account(ctx context.Context, orgID id.ID, account transaction.Account) (string, error) {
	slug, ok := w.cache[orgID]
	if !ok {
		var err error
		if slug, err = w.names.OrganizationSlug(ctx, orgID); err != nil {
			return "", fmt.Errorf("export: resolve %s: %w", orgID, err)
		}
		w.cache[orgID] = slug
	}
	return slug + ":" + string(account), nil
}
