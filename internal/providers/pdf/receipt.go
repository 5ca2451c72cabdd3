package pdf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

type PDFProvider struct {
	assetDir string
}

// New returns a provider that writes receipt PDFs under assetDir, creating
// it if needed.
func New(assetDir string) (*PDFProvider, error) {
	if assetDir == "" {
		return nil, fmt.Errorf("receipt asset dir is required")
	}
	if err := os.MkdirAll(assetDir, 0o755); err != nil {
		return nil, fmt.Errorf("create receipt dir: %w", err)
	}
	return &PDFProvider{assetDir: assetDir}, nil
}

func (p *PDFProvider) CreditPurchaseReceipt(ctx context.Context, userID, amountMinorUnits, credits int64, reference string, at time.Time) (string, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(20,
		text.NewCol(12, "Receipt", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	m.AddRow(20,
		col.New(6).Add(
			text.New("Receipt number: "+reference, props.Text{Top: 0}),
			text.New("Date paid: "+at.Format("02 Jan 2006"), props.Text{Top: 4}),
			text.New(fmt.Sprintf("Account: %d", userID), props.Text{Top: 8}),
		),
		col.New(6),
	)

	m.AddRow(15,
		text.NewCol(12, formatAmount(amountMinorUnits)+" paid on "+at.Format("02 Jan 2006"), props.Text{
			Size:  14,
			Style: fontstyle.Bold,
			Top:   5,
		}),
	)

	m.AddRow(10,
		text.NewCol(6, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(3, "Credits", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(3, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	m.AddRow(15,
		text.NewCol(6, "One-time credit purchase", props.Text{Size: 9}),
		text.NewCol(3, fmt.Sprintf("%d", credits), props.Text{Size: 9, Align: align.Right}),
		text.NewCol(3, formatAmount(amountMinorUnits), props.Text{Size: 9, Align: align.Right}),
	)

	m.AddRow(10,
		col.New(6),
		text.NewCol(3, "Total", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(3, formatAmount(amountMinorUnits), props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	doc, err := m.Generate()
	if err != nil {
		return "", fmt.Errorf("render receipt: %w", err)
	}

	path := filepath.Join(p.assetDir, fmt.Sprintf("receipt_%s.pdf", reference))
	if err := os.WriteFile(path, doc.GetBytes(), 0o644); err != nil {
		return "", fmt.Errorf("write receipt: %w", err)
	}

	return path, nil
}

func formatAmount(minorUnits int64) string {
	return fmt.Sprintf("$%d.%02d", minorUnits/100, minorUnits%100)
}
