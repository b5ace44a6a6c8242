package trainer

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)

	progressRowLabels = []string{"Global Step", "Epoch", "Loss", "Compilations", "Cache Hits"}
)

// maxUpdateFrequency is the time between updates of the terminal display.
const maxUpdateFrequency = time.Millisecond * 200

type progressUpdate struct {
	amount  int
	metrics []string
}

// ProgressCallback displays a progress bar and a table of live run
// statistics on the terminal while training. Updates are drawn by a
// separate goroutine, so a training loop faster than the terminal (or a
// slow remote connection) is not held back by drawing.
type ProgressCallback struct {
	BaseCallback

	numSteps         int
	lastStepReported int
	bar              *progressbar.ProgressBar

	termenv       *termenv.Output
	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool

	updates          chan progressUpdate
	asyncUpdatesDone sync.WaitGroup
}

// AttachProgressBar makes the trainer display a progress bar with live
// statistics while Train runs.
func AttachProgressBar(t *Trainer) {
	t.Callbacks = append(t.Callbacks, NewProgressCallback())
}

// NewProgressCallback creates the terminal display callback. Usually
// attached through AttachProgressBar.
func NewProgressCallback() *ProgressCallback {
	p := &ProgressCallback{
		isFirstOutput: true,
		termenv:       termenv.NewOutput(os.Stdout),
		statsStyle:    lipgloss.NewStyle().PaddingLeft(8),
	}
	p.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	return p
}

func (p *ProgressCallback) OnTrainBegin(t *Trainer) error {
	p.numSteps = t.args.MaxSteps
	if p.numSteps <= 0 {
		if sized, ok := t.trainDS.(interface{ NumSamples() int }); ok {
			batchSize := t.args.PerDeviceTrainBatchSize
			batchesPerEpoch := (sized.NumSamples() + batchSize - 1) / batchSize
			p.numSteps = batchesPerEpoch * t.args.NumTrainEpochs
		}
	}
	var stepsMsg string
	if p.numSteps <= 0 {
		p.numSteps = -1 // Unknown, progressbar displays a spinner.
	} else {
		stepsMsg = fmt.Sprintf(" (%d steps)", p.numSteps)
	}
	p.bar = progressbar.NewOptions(p.numSteps,
		progressbar.OptionSetDescription(fmt.Sprintf("Training%s: ", stepsMsg)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)

	p.updates = make(chan progressUpdate, 100) // Large buffer so things are not blocked.
	p.asyncUpdatesDone.Add(1)
	go func() {
		for update := range p.updates {
			// Exhaust the updates in buffer, drawing only the latest:
			amount := update.amount
		exhaust:
			for {
				select {
				case newUpdate, ok := <-p.updates:
					if !ok {
						break exhaust
					}
					amount += newUpdate.amount
					update = newUpdate
				default:
					break exhaust
				}
			}

			// Clear the previous lines that will be overwritten.
			if !p.isFirstOutput {
				p.termenv.ClearLines(len(update.metrics) + 3)
			}
			p.isFirstOutput = false

			_ = p.bar.Add(amount) // Prints the progress bar line.
			p.statsTable.Data(lgtable.NewStringData())
			fmt.Println()
			for i, label := range progressRowLabels {
				p.statsTable.Row(label, update.metrics[i])
			}
			fmt.Println(p.statsStyle.Render(p.statsTable.String()))
			time.Sleep(maxUpdateFrequency)
		}
		p.asyncUpdatesDone.Done()
	}()
	return nil
}

func (p *ProgressCallback) OnStepEnd(t *Trainer, info StepInfo) error {
	if p.bar.IsFinished() {
		return nil
	}
	amount := info.GlobalStep - p.lastStepReported
	if amount <= 0 {
		return nil
	}
	stepMsg := strconv.Itoa(info.GlobalStep)
	if p.numSteps > 0 {
		stepMsg = fmt.Sprintf("%d / %d", info.GlobalStep, p.numSteps)
	}
	p.updates <- progressUpdate{
		amount: amount,
		metrics: []string{
			stepMsg,
			strconv.Itoa(info.Epoch + 1),
			fmt.Sprintf("%.4f", info.Loss),
			strconv.Itoa(t.numCompilations),
			strconv.Itoa(t.numCacheHits),
		},
	}
	p.lastStepReported = info.GlobalStep
	return nil
}

func (p *ProgressCallback) OnTrainEnd(t *Trainer) error {
	if p.updates != nil {
		close(p.updates)
	}
	p.asyncUpdatesDone.Wait()
	fmt.Println()
	return nil
}
