package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/audiolibrelab/tapcapture/internal/service"
)

var validSteps = map[rune]bool{
	'r': true, // record
	'i': true, // info
	'p': true, // play
}

// executePipeline runs the pipeline steps that follow startStep
func executePipeline(svc service.Service, name string, startStep rune) error {
	if pipeline == "" {
		return nil
	}

	steps := []rune(strings.ToLower(pipeline))

	// Find the starting position in the pipeline
	startIndex := -1
	for i, step := range steps {
		if step == startStep {
			startIndex = i
			break
		}
	}

	if startIndex == -1 {
		return fmt.Errorf("step '%c' not found in pipeline '%s'", startStep, pipeline)
	}

	for _, step := range steps[startIndex+1:] {
		fmt.Printf("Pipeline: executing step '%c'...\n", step)
		if err := runStep(context.Background(), svc, name, step); err != nil {
			return err
		}
	}

	return nil
}

func runStep(ctx context.Context, svc service.Service, name string, step rune) error {
	switch step {
	case 'r':
		fmt.Println("Pipeline: recording - Press Enter to stop...")
		res, err := recordUntil(ctx, svc, name, waitForEnter())
		if err != nil {
			return fmt.Errorf("pipeline record failed: %w", err)
		}
		printResult(res)
		if res != nil && res.Error != "" {
			return fmt.Errorf("pipeline record failed: %s", res.Error)
		}
		fmt.Println("Pipeline: recording completed")

	case 'i':
		if err := printRecordingInfo(svc, name); err != nil {
			return fmt.Errorf("pipeline info failed: %w", err)
		}

	case 'p':
		fmt.Printf("Playing recording: %s\n", name)
		if err := svc.Play(ctx, name); err != nil {
			return fmt.Errorf("pipeline play failed: %w", err)
		}
		fmt.Println("Pipeline: playback completed")

	default:
		return fmt.Errorf("unknown pipeline step: '%c' (valid: r=record, i=info, p=play)", step)
	}
	return nil
}

func validatePipeline() error {
	if pipeline == "" {
		return nil
	}

	for _, step := range strings.ToLower(pipeline) {
		if !validSteps[step] {
			return fmt.Errorf("invalid pipeline step: '%c' (valid: r=record, i=info, p=play)", step)
		}
	}

	return nil
}
