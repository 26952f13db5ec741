package viewer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var sideBarStyle = lipgloss.NewStyle()

// chip is a labeled value rendered as a colored badge in the detail pane
type chip struct {
	label string
	value string
	color lipgloss.AdaptiveColor
}

type sidebarModel struct {
	Viewport      viewport.Model
	Data          *Item
	ScrollEnabled bool
}

func NewSidebarModel(initialData *Item) sidebarModel {
	return sidebarModel{
		Viewport: viewport.Model{},
		Data:     initialData,
	}
}

func (m *sidebarModel) Init() tea.Cmd {
	m.Viewport.SetContent(m.getSidebarContents())
	return nil
}
func (m *sidebarModel) Update(_ tea.Msg) (tea.Model, tea.Cmd) {
	return m, nil
}

func (m *sidebarModel) View() string {
	m.Viewport.SetContent(m.getSidebarContents())
	borderColor := mauve
	if m.ScrollEnabled {
		borderColor = green
	}
	style := sideBarStyle.
		Padding(0, 1).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(borderColor)

	return style.Render(m.Viewport.View())
}

func (m *sidebarModel) getSidebarContents() string {
	if m.Data.SourceIP == "" {
		return lipgloss.NewStyle().Foreground(overlay2).Render("No records to display")
	}

	// get header
	headerPadding := 2

	headerLabelStyle := lipgloss.NewStyle().Padding(0, headerPadding).Background(overlay0).Foreground(defaultTextColor).Bold(true)
	headerValueStyle := lipgloss.NewStyle().Padding(0, headerPadding).Background(mauve).Foreground(base).Bold(true)

	srcLabel := "SRC"
	srcStyle := lipgloss.NewStyle().Width(m.Viewport.Width - len(srcLabel) - (headerPadding * 4))
	target := lipgloss.JoinHorizontal(lipgloss.Left, headerLabelStyle.Render(srcLabel), headerValueStyle.Render(Truncate(m.Data.GetSrc(), &srcStyle)))

	// show the reverse-resolved name under the address when rDNS found one
	if m.Data.Metadata.SourceHost != "" {
		hostLabel := "HOST"
		hostStyle := lipgloss.NewStyle().Width(m.Viewport.Width - len(hostLabel) - (headerPadding * 4))
		host := lipgloss.JoinHorizontal(lipgloss.Left, headerLabelStyle.Render(hostLabel), headerValueStyle.Render(Truncate(m.Data.Metadata.SourceHost, &hostStyle)))
		target = lipgloss.JoinVertical(lipgloss.Top, lipgloss.NewStyle().MarginBottom(1).Render(target), host)
	}
	heading := lipgloss.NewStyle().MarginBottom(1).Render(target)

	// get attack chips
	sectionStyle := lipgloss.NewStyle().
		Foreground(overlay2).
		Border(lipgloss.NormalBorder(), false, false, true, false).
		BorderForeground(surface0).
		Width(m.Viewport.Width)
	attackLabel := sectionStyle.Render("「 Attack 」")
	chips := m.renderChips()

	// get description
	chipHeaderStyle := lipgloss.NewStyle().Background(overlay2).Foreground(base).Bold(true).Padding(0, 2)
	descriptionHeader := chipHeaderStyle.Render("Description")
	description := lipgloss.JoinVertical(lipgloss.Top, descriptionHeader, lipgloss.NewStyle().Width(m.Viewport.Width).Render(m.Data.Description))

	// get evidence
	evidence := ""
	if len(m.Data.Evidence) > 0 {
		evidenceLabel := sectionStyle.Render("「 Evidence 」")
		evidence = lipgloss.JoinVertical(lipgloss.Top, evidenceLabel, strings.Join(m.Data.Evidence, "\n"))
	}

	recordLabel := sectionStyle.Render("「 Record 」")

	// get storage time
	storedHeader := chipHeaderStyle.Render("Stored")
	stored := lipgloss.JoinVertical(lipgloss.Top, storedHeader,
		fmt.Sprintf("%s (%s)", m.Data.GetStoredAgo(time.Now()), m.Data.StoredAt.UTC().Format("2006-01-02 15:04:05 MST")))

	// get the event name the listener originally emitted
	original := ""
	if m.Data.Metadata.OriginalType != "" && m.Data.Metadata.OriginalType != string(m.Data.Type) {
		originalHeader := chipHeaderStyle.Render("Reported As")
		original = lipgloss.JoinVertical(lipgloss.Top, originalHeader, m.Data.Metadata.OriginalType)
	}

	// join contents
	return lipgloss.JoinVertical(lipgloss.Top, heading, attackLabel, chips, description, evidence, recordLabel, stored, original)
}

func (m *sidebarModel) renderChips() string {
	chipList := m.getChips()

	var chips string
	var renderedChips []string
	for _, c := range chipList {
		renderedChips = append(renderedChips, renderChip(c))
	}
	newlineStyle := lipgloss.NewStyle().PaddingRight(1).BorderForeground(overlay2).Border(lipgloss.NormalBorder(), false, true, false, false)
	linebreakStyle := lipgloss.NewStyle().MarginBottom(1)

	// flow the chips left to right, wrapping onto a new line when the next
	// chip would overrun the viewport
	var chipLines []string
	var currentChips string
	for i, c := range renderedChips {
		if i == 0 {
			currentChips = newlineStyle.Render(c)
		} else {
			joined := lipgloss.JoinHorizontal(lipgloss.Left, currentChips, lipgloss.NewStyle().Padding(0, 1).BorderForeground(overlay2).Border(lipgloss.NormalBorder(), false, true, false, false).Render(c))

			width := lipgloss.Width(joined)
			if m.Viewport.Width <= width {
				chipLines = append(chipLines, lipgloss.JoinHorizontal(lipgloss.Left, linebreakStyle.Render(currentChips)))
				currentChips = c
				if i != len(renderedChips)-1 {
					currentChips = newlineStyle.Render(c)
				}
			} else {
				currentChips = joined
			}
		}
	}
	chipLines = append(chipLines, linebreakStyle.Render(currentChips))
	chips = lipgloss.JoinVertical(lipgloss.Top, chipLines...)

	return chips
}

func (m *sidebarModel) getChips() []chip {
	stateColor := overlay2
	switch m.Data.GetState() {
	case "delivered":
		stateColor = green
	case "throttled":
		stateColor = peach
	}

	return []chip{
		{label: "Severity", value: m.Data.GetSeverity(false), color: severityColor(m.Data.Severity)},
		{label: "Score", value: strconv.Itoa(m.Data.Score), color: overlay2},
		{label: "State", value: m.Data.GetState(), color: stateColor},
	}
}

func renderChip(c chip) string {
	header := lipgloss.NewStyle().Background(c.color).Foreground(base).Bold(true).Padding(0, 2).Render(c.label)

	data := lipgloss.NewStyle().Foreground(defaultTextColor).Render(c.value)
	return lipgloss.JoinVertical(lipgloss.Top, header, data)
}
