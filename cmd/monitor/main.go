package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"propgen/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

func main() {
	addr := flag.String("addr", "http://localhost:8732", "orchestrator base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	workflowTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	workflowTable.SetTitle("Workflows (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	componentsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	componentsView.SetTitle("Components").SetBorder(true)

	checkpointsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	checkpointsView.SetTitle("Checkpoints").SetBorder(true)

	eventsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	eventsView.SetTitle("Events").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel("Proposal title: ")
	promptInput.SetBorder(true).SetTitle("Enter = start workflow")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | shortcuts: F10 quit, F5 refresh, Ctrl+L focus prompt, Ctrl+T focus workflows",
		c.baseURL,
	))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(componentsView, 0, 2, false).
		AddItem(checkpointsView, 0, 1, false).
		AddItem(eventsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(workflowTable, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedWorkflowID string
	var lastWorkflows []domain.WorkflowProgress
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshWorkflows := func() {
		workflows, err := c.listWorkflows()
		if err != nil {
			app.QueueUpdateDraw(func() {
				workflowTable.Clear()
				workflowTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		sort.Slice(workflows, func(i, j int) bool {
			return workflows[i].LastUpdate.After(workflows[j].LastUpdate)
		})
		lastWorkflows = workflows
		app.QueueUpdateDraw(func() {
			renderWorkflowTable(workflowTable, workflows, selectedWorkflowID)
		})
	}

	refreshDetailsAsync := func(workflowID string) {
		if strings.TrimSpace(workflowID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)
		app.QueueUpdateDraw(func() {
			componentsView.SetText("Loading...")
			checkpointsView.SetText("Loading...")
			eventsView.SetText("Loading...")
		})

		go func(selected string, v uint64) {
			progress, progressErr := c.getProgress(selected)
			checkpoints, checkpointErr := c.listCheckpoints(selected)
			events, eventErr := c.listEvents(selected, 100)

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedWorkflowID {
					return
				}
				if progressErr != nil {
					componentsView.SetText(fmt.Sprintf("error: %v", progressErr))
				} else {
					componentsView.SetText(renderComponents(progress))
				}
				if checkpointErr != nil {
					checkpointsView.SetText(fmt.Sprintf("error: %v", checkpointErr))
				} else {
					checkpointsView.SetText(renderCheckpoints(checkpoints))
				}
				if eventErr != nil {
					eventsView.SetText(fmt.Sprintf("error: %v", eventErr))
				} else {
					eventsView.SetText(renderEvents(events))
				}
			})
		}(workflowID, version)
	}

	submitPrompt := func(title string) {
		title = strings.TrimSpace(title)
		if title == "" {
			return
		}
		setStatusUI("Starting workflow...")
		promptInput.SetText("")
		go func(input string) {
			workflowID, err := c.startWorkflow(input)
			if err != nil {
				setStatusAsync("Failed to start workflow: " + err.Error())
				return
			}
			selectedWorkflowID = workflowID
			refreshWorkflows()
			refreshDetailsAsync(selectedWorkflowID)
			setStatusAsync("Workflow started: " + workflowID)
		}(title)
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitPrompt(promptInput.GetText())
	})

	workflowTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastWorkflows) {
			return
		}
		selectedWorkflowID = lastWorkflows[row-1].WorkflowID
		refreshDetailsAsync(selectedWorkflowID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == promptInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(workflowTable)
				setStatusUI("Focus -> workflows")
				return nil
			}
			return event
		}

		switch event.Key() {
		case tcell.KeyEscape, tcell.KeyCtrlT:
			app.SetFocus(workflowTable)
			setStatusUI("Focus -> workflows")
			return nil
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			refreshWorkflows()
			refreshDetailsAsync(selectedWorkflowID)
			setStatusUI("Manual refresh complete")
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> prompt")
			return nil
		case tcell.KeyCtrlR:
			if selectedWorkflowID != "" {
				id := selectedWorkflowID
				go func() {
					if err := c.resumeWorkflow(id); err != nil {
						setStatusAsync("Resume failed: " + err.Error())
						return
					}
					setStatusAsync("Resuming workflow " + shortID(id))
				}()
			}
			return nil
		case tcell.KeyTAB:
			app.SetFocus(promptInput)
			return nil
		}
		if event.Key() == tcell.KeyRune {
			app.SetFocus(promptInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshWorkflows()
		for _, wf := range lastWorkflows {
			if wf.Status == domain.WorkflowInProgress || wf.Status == domain.WorkflowResuming {
				selectedWorkflowID = wf.WorkflowID
				break
			}
		}
		if selectedWorkflowID != "" {
			refreshDetailsAsync(selectedWorkflowID)
		}

		for range ticker.C {
			refreshWorkflows()
			if selectedWorkflowID == "" && len(lastWorkflows) > 0 {
				selectedWorkflowID = lastWorkflows[0].WorkflowID
			}
			refreshDetailsAsync(selectedWorkflowID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func renderWorkflowTable(table *tview.Table, workflows []domain.WorkflowProgress, selectedWorkflowID string) {
	table.Clear()
	headers := []string{"Workflow", "Status", "Phase", "Progress", "Updated"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, wf := range workflows {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(wf.WorkflowID)))
		table.SetCell(row, 1, tview.NewTableCell(string(wf.Status)))
		table.SetCell(row, 2, tview.NewTableCell(string(wf.CurrentPhase)))
		table.SetCell(row, 3, tview.NewTableCell(fmt.Sprintf("%5.1f%%", wf.OverallProgress)))
		table.SetCell(row, 4, tview.NewTableCell(wf.LastUpdate.Format("15:04:05")))
		if wf.WorkflowID == selectedWorkflowID {
			table.Select(row, 0)
		}
	}
}

func renderComponents(wf domain.WorkflowProgress) string {
	if len(wf.Components) == 0 {
		return "No components yet"
	}
	names := make([]string, 0, len(wf.Components))
	for name := range wf.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(fmt.Sprintf("Workflow: %s  overall=%5.1f%%  phase=%s\n", shortID(wf.WorkflowID), wf.OverallProgress, wf.CurrentPhase))
	if wf.EstimatedCompletion != nil {
		b.WriteString("ETA: " + wf.EstimatedCompletion.Format("15:04:05") + "\n")
	}
	for _, name := range names {
		cp := wf.Components[name]
		flags := ""
		if cp.CacheHit {
			flags = " cached"
		}
		if cp.RetryCount > 0 {
			flags += fmt.Sprintf(" retries=%d", cp.RetryCount)
		}
		b.WriteString(fmt.Sprintf("%-20s %-10s %5.1f%%%s\n", name, cp.Status, cp.ProgressPercent, flags))
		if cp.ErrorMessage != "" {
			b.WriteString("  error: " + trimLine(cp.ErrorMessage, 100) + "\n")
		}
	}
	if wf.Quality != nil {
		b.WriteString(fmt.Sprintf("Quality: %s (completeness %.2f, accuracy %.2f)\n",
			wf.Quality.OverallQuality, wf.Quality.Completeness, wf.Quality.Accuracy))
	}
	return b.String()
}

func renderCheckpoints(items []domain.WorkflowCheckpoint) string {
	if len(items) == 0 {
		return "No checkpoints"
	}
	var b strings.Builder
	for _, cp := range items {
		completed := 0
		for _, state := range cp.ComponentStates {
			if state.Status == domain.ComponentCompleted || state.Status == domain.ComponentCached {
				completed++
			}
		}
		b.WriteString(fmt.Sprintf(
			"[%s] %s phase=%s done=%d/%d\n",
			cp.Timestamp.Format("15:04:05"),
			shortID(cp.ID),
			cp.Phase,
			completed,
			len(cp.ComponentStates),
		))
	}
	return b.String()
}

func renderEvents(items []domain.WorkflowEvent) string {
	if len(items) == 0 {
		return "No events"
	}
	var b strings.Builder
	for _, e := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s %s",
			e.CreatedAt.Format("15:04:05"),
			e.Actor,
			e.Action,
		))
		if e.Detail != "" {
			b.WriteString(" " + trimLine(e.Detail, 48))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (c *client) startWorkflow(title string) (string, error) {
	req := map[string]any{
		"input": map[string]any{
			"title": title,
		},
	}
	var out struct {
		WorkflowID string `json:"workflow_id"`
	}
	if err := c.postJSON("/workflows", req, &out); err != nil {
		return "", err
	}
	return out.WorkflowID, nil
}

func (c *client) resumeWorkflow(workflowID string) error {
	return c.postJSON(fmt.Sprintf("/workflows/%s/resume", workflowID), map[string]any{}, nil)
}

func (c *client) listWorkflows() ([]domain.WorkflowProgress, error) {
	var out []domain.WorkflowProgress
	if err := c.getJSON("/workflows", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getProgress(workflowID string) (domain.WorkflowProgress, error) {
	var out domain.WorkflowProgress
	if err := c.getJSON(fmt.Sprintf("/workflows/%s/progress", workflowID), &out); err != nil {
		return domain.WorkflowProgress{}, err
	}
	return out, nil
}

func (c *client) listCheckpoints(workflowID string) ([]domain.WorkflowCheckpoint, error) {
	var out []domain.WorkflowCheckpoint
	if err := c.getJSON(fmt.Sprintf("/workflows/%s/checkpoints", workflowID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listEvents(workflowID string, limit int) ([]domain.WorkflowEvent, error) {
	var out []domain.WorkflowEvent
	if err := c.getJSON(fmt.Sprintf("/workflows/%s/events?limit=%d", workflowID, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
