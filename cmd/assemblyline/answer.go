package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/floorline/assemblyline/atomicstore"
	"github.com/floorline/assemblyline/bus"
	"github.com/floorline/assemblyline/vocabulary"
)

// operatorAgentID is the bus identity this command answers as.
const operatorAgentID = "operator"

// newAnswerCmd resolves a pending QUESTION during erik_consultation, for an
// operator rather than another bus agent.
func newAnswerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "answer <question_id> <option_index>",
		Short: "Answer a pending question by option index",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnswer(opts, args[0], args[1])
		},
	}
}

func runAnswer(opts *rootOptions, questionID, optionArg string) error {
	option, err := strconv.Atoi(optionArg)
	if err != nil {
		return fmt.Errorf("option index must be an integer: %w", err)
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	store := atomicstore.New(nil)
	b := bus.New(store, cfg.BusStorePath())

	all, err := b.AllMessages()
	if err != nil {
		return fmt.Errorf("read messages: %w", err)
	}

	var asker string
	for _, msg := range all {
		if msg.Type == vocabulary.MessageQuestion && msg.Payload.Question != nil && msg.Payload.Question.QuestionID == questionID {
			asker = msg.From
		}
	}
	if asker == "" {
		return fmt.Errorf("no pending question found with id %q", questionID)
	}

	if err := b.Connect(operatorAgentID); err != nil {
		return fmt.Errorf("connect to bus: %w", err)
	}

	_, err = b.Send(bus.Message{
		Type: vocabulary.MessageAnswer,
		From: operatorAgentID,
		To:   asker,
		Payload: bus.Payload{Answer: &bus.AnswerPayload{
			QuestionID:     questionID,
			SelectedOption: option,
		}},
	})
	if err != nil {
		return fmt.Errorf("send answer: %w", err)
	}

	fmt.Printf("answered %s with option %d\n", questionID, option)
	return nil
}
