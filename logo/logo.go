package logo

import (
	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"
)

// Display prints the Fiduciary banner.
func Display() {
	s, _ := pterm.DefaultBigText.WithLetters(
		putils.LettersFromStringWithStyle("F", pterm.FgCyan.ToStyle()),
		putils.LettersFromStringWithStyle("iduciary", pterm.FgLightMagenta.ToStyle())).Srender()
	pterm.DefaultCenter.Println(s)
	pterm.DefaultCenter.WithCenterEachLineSeparately().
		Println("Custodial disbursement settlement.\nEvery approval is re-authenticated\nand every settlement is confirmed by the ledger.")
}
