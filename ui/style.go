package ui

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

const (
	accentTag   = "[#ce93d8]"
	accentReset = "[-]"
)

var (
	uiBorderColor = tcell.ColorGray
	uiTitleColor  = tcell.NewHexColor(0xCE93D8)
)

// NewBoxedTextView returns the bordered, color-tag aware pane every dashboard
// section is drawn in.
func NewBoxedTextView(title string) *tview.TextView {
	tv := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	styleBox(tv.Box, title)
	return tv
}

// AccentText wraps text in the dashboard accent color.
func AccentText(text string) string {
	if text == "" {
		return ""
	}
	return accentTag + text + accentReset
}

func styleBox(box *tview.Box, title string) {
	box.SetBorder(true)
	if title != "" {
		box.SetTitle(AccentText(title)).SetTitleAlign(tview.AlignLeft)
	}
	box.SetBorderColor(uiBorderColor)
	box.SetTitleColor(uiTitleColor)
}
