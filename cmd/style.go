package main

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"

	"github.com/luca-patrignani/cosim/history"
)

func printBanner() {
	pterm.DefaultBigText.WithLetters(
		putils.LettersFromStringWithStyle("co", pterm.FgDarkGray.ToStyle()),
		putils.LettersFromStringWithStyle("SIM", pterm.FgCyan.ToStyle()),
	).Render()
}

// windowTable lists one row per completed time window.
func windowTable(log *history.Log) pterm.TableData {
	data := pterm.TableData{{"Window", "Start", "Size", "Iterations", "Status"}}
	for _, w := range log.Windows() {
		status := pterm.LightGreen("converged")
		if w.Forced {
			status = pterm.LightYellow("forced")
		}
		data = append(data, []string{
			fmt.Sprint(w.Index),
			fmt.Sprintf("%g", w.Start),
			fmt.Sprintf("%g", w.Size),
			fmt.Sprint(w.Iterations),
			status,
		})
	}
	return data
}

func printSummary(participant string, log *history.Log) {
	table, _ := pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(windowTable(log)).Srender()
	pbox := pterm.DefaultBox.WithHorizontalPadding(4).WithTopPadding(1).WithBottomPadding(1)
	summary := pbox.WithTitle(pterm.LightCyan(participant)).WithTitleTopLeft().Sprintf(
		"Time windows: %d\nIterations: %d", log.Len(), log.TotalIterations())

	pterm.DefaultPanel.WithPanels([][]pterm.Panel{
		{{Data: summary}},
		{{Data: table}},
	}).Render()
}
