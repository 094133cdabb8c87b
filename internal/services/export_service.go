package services

import (
	"fmt"
	"io"
	"time"

	"github.com/aiwuxian/cross-realm-atlas/internal/models"
	"github.com/jung-kurt/gofpdf"
)

// ExportService 把世界导出为 PDF 编年史
type ExportService struct {
	plot *PlotEngine
}

func NewExportService() *ExportService {
	return &ExportService{plot: NewPlotEngine()}
}

// WriteChronicle 输出：标题、身份、同伴、剧情进度、对话
func (es *ExportService) WriteChronicle(w io.Writer, world *models.WorldState) error {
	if world == nil {
		return fmt.Errorf("%w: 没有可导出的世界", ErrNoActiveWorld)
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(world.Name, true)
	pdf.SetAutoPageBreak(true, 15)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 20)
	pdf.MultiCell(0, 10, tr(world.Name), "", "L", false)
	pdf.SetFont("Helvetica", "I", 11)
	pdf.MultiCell(0, 6, tr(fmt.Sprintf("%s / %s", world.Era, world.Mood)), "", "L", false)
	pdf.Ln(4)

	heading := func(title string) {
		pdf.SetFont("Helvetica", "B", 13)
		pdf.CellFormat(0, 8, tr(title), "B", 1, "L", false, 0, "")
		pdf.Ln(2)
	}
	line := func(label, value string) {
		if value == "" {
			return
		}
		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(28, 6, tr(label), "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		pdf.MultiCell(0, 6, tr(value), "", "L", false)
	}

	heading("Identity")
	line("Title", world.Identity.Title)
	line("Role", world.Identity.Role)
	line("Ability", world.Identity.Ability)
	line("Weakness", world.Identity.Weakness)
	line("Outfit", world.Identity.Outfit)
	pdf.Ln(3)

	if world.Companion != nil {
		heading("Companion")
		line("Name", world.Companion.Name)
		line("Bond", world.Companion.Relationship)
		line("Role", world.Companion.RoleInWorld)
		line("About", world.Companion.Description)
		pdf.Ln(3)
	}

	completed, total := es.plot.Progress(world.PlotTree)
	heading(fmt.Sprintf("Chapters (%d/%d)", completed, total))
	for _, node := range world.PlotTree {
		title := node.Title
		if node.Status == models.NodeLocked {
			title = "???"
		}
		line(string(node.Status), title)
	}
	pdf.Ln(3)

	heading("Chronicle")
	for _, msg := range world.ChatHistory {
		speaker := "Atlas Keeper"
		if msg.Role == models.RoleUser {
			speaker = "You"
		}
		pdf.SetFont("Helvetica", "B", 9)
		stamp := time.UnixMilli(msg.Timestamp).UTC().Format("2006-01-02 15:04")
		pdf.CellFormat(0, 5, tr(fmt.Sprintf("%s  %s", speaker, stamp)), "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		pdf.MultiCell(0, 5, tr(msg.Content), "", "L", false)
		pdf.Ln(2)
	}

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("生成 PDF 失败: %w", err)
	}
	return nil
}
