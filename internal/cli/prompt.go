package cli

import (
	"errors"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
)

// ErrCanceled is returned when the user interrupts a prompt.
var ErrCanceled = errors.New("prompt canceled")

// Prompter asks the user for parameter values.
type Prompter interface {
	Select(message, help string, options []string, def string) (string, error)
	Input(message, help, def string, validate func(string) error) (string, error)
}

type surveyPrompter struct{}

func (surveyPrompter) Select(message, help string, options []string, def string) (string, error) {
	var out string
	prompt := &survey.Select{
		Message: message,
		Options: options,
		Help:    help,
	}
	if indexOf(options, def) >= 0 {
		prompt.Default = def
	}
	if err := survey.AskOne(prompt, &out); err != nil {
		return "", translateSurveyErr(err)
	}
	return out, nil
}

func (surveyPrompter) Input(message, help, def string, validate func(string) error) (string, error) {
	var out string
	prompt := &survey.Input{
		Message: message,
		Help:    help,
		Default: def,
	}
	var opts []survey.AskOpt
	if validate != nil {
		opts = append(opts, survey.WithValidator(func(ans interface{}) error {
			s, _ := ans.(string)
			return validate(s)
		}))
	}
	if err := survey.AskOne(prompt, &out, opts...); err != nil {
		return "", translateSurveyErr(err)
	}
	return out, nil
}

func translateSurveyErr(err error) error {
	if errors.Is(err, terminal.InterruptErr) {
		return ErrCanceled
	}
	return err
}

func indexOf(options []string, v string) int {
	for i, o := range options {
		if o == v {
			return i
		}
	}
	return -1
}
