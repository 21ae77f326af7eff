package cmd

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

var validSteps = map[rune]bool{
	'r': true, // record
	's': true, // stitch
	'p': true, // play
}

func validatePipeline() error {
	for _, step := range strings.ToLower(pipeline) {
		if !validSteps[step] {
			return fmt.Errorf("invalid pipeline step: '%c' (valid: r=record, s=stitch, p=play)", step)
		}
	}
	return nil
}

// stepsAfter returns the pipeline steps following startStep, so that a
// command that performs one step can continue the rest of -p.
func stepsAfter(startStep rune) (string, error) {
	if pipeline == "" {
		return "", nil
	}
	steps := strings.ToLower(pipeline)
	i := strings.IndexRune(steps, startStep)
	if i < 0 {
		return "", fmt.Errorf("step '%c' not found in pipeline '%s'", startStep, pipeline)
	}
	return steps[i+1:], nil
}

// stopSignal returns a channel closed on Ctrl+C, SIGTERM, Enter (when
// withEnter is set) or after duration, whichever comes first.
func stopSignal(duration time.Duration, withEnter bool) (<-chan struct{}, func()) {
	stop := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	enter := make(chan struct{})
	if withEnter {
		go func() {
			bufio.NewScanner(os.Stdin).Scan()
			close(enter)
		}()
	}

	var timeout <-chan time.Time
	var timer *time.Timer
	if duration > 0 {
		timer = time.NewTimer(duration)
		timeout = timer.C
	}

	done := make(chan struct{})
	go func() {
		defer close(stop)
		select {
		case <-sigChan:
		case <-enter:
		case <-timeout:
		case <-done:
		}
	}()
	return stop, func() {
		signal.Stop(sigChan)
		if timer != nil {
			timer.Stop()
		}
		close(done)
	}
}
