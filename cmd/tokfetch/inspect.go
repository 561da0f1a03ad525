package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tokfetch/internal/tokenizer"
)

type inspectReport struct {
	Dir             string        `json:"dir"`
	Class           string        `json:"tokenizer_class,omitempty"`
	ModelType       string        `json:"model_type,omitempty"`
	VocabSize       int           `json:"vocab_size"`
	AddedTokens     int           `json:"added_tokens"`
	ModelMaxLength  int64         `json:"model_max_length,omitempty"`
	AddBOS          bool          `json:"add_bos_token"`
	AddEOS          bool          `json:"add_eos_token"`
	BOS             string        `json:"bos_token,omitempty"`
	EOS             string        `json:"eos_token,omitempty"`
	UNK             string        `json:"unk_token,omitempty"`
	PAD             string        `json:"pad_token,omitempty"`
	SpecialTokens   []string      `json:"special_tokens"`
	HasChatTemplate bool          `json:"has_chat_template"`
	Files           []string      `json:"files"`
	Sample          *sampleReport `json:"sample,omitempty"`
}

type sampleReport struct {
	Text   string   `json:"text"`
	IDs    []int    `json:"ids"`
	Tokens []string `json:"tokens"`
}

func inspectCmd() *cli.Command {
	var (
		asJSON bool
		sample string
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Summarize a saved tokenizer directory",
		ArgsUsage: "<dir>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the report as JSON",
				Destination: &asJSON,
			},
			&cli.StringFlag{
				Name:        "sample",
				Usage:       "encode TEXT with the saved tokenizer.json",
				Destination: &sample,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return errors.New("usage: tokfetch inspect <dir>")
			}
			dir := cmd.Args().First()
			p, err := tokenizer.LoadDir(dir)
			if err != nil {
				return err
			}
			report := newInspectReport(dir, p)
			if cmd.IsSet("sample") {
				res, err := tokenizer.Sample(dir, sample)
				if err != nil {
					return err
				}
				report.Sample = &sampleReport{Text: sample, IDs: res.IDs, Tokens: res.Tokens}
			}

			w := outWriter(cmd)
			if asJSON {
				b, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(w, string(b))
				return err
			}
			printInspectReport(w, report)
			return nil
		},
	}
}

func newInspectReport(dir string, p *tokenizer.Pretrained) inspectReport {
	cfg := p.Config
	special := cfg.SpecialTokens
	if special == nil {
		special = []string{}
	}
	return inspectReport{
		Dir:             dir,
		Class:           cfg.TokenizerClass,
		ModelType:       cfg.ModelType,
		VocabSize:       cfg.VocabSize,
		AddedTokens:     cfg.AddedTokens,
		ModelMaxLength:  cfg.ModelMaxLength,
		AddBOS:          cfg.AddBOS,
		AddEOS:          cfg.AddEOS,
		BOS:             cfg.BOSToken,
		EOS:             cfg.EOSToken,
		UNK:             cfg.UNKToken,
		PAD:             cfg.PADToken,
		SpecialTokens:   special,
		HasChatTemplate: cfg.ChatTemplate != "",
		Files:           p.FileNames(),
	}
}

func printInspectReport(w io.Writer, r inspectReport) {
	field := func(name string, v any) {
		_, _ = fmt.Fprintf(w, "%-16s %v\n", name+":", v)
	}
	orNone := func(s string) string {
		if s == "" {
			return "-"
		}
		return s
	}
	field("dir", r.Dir)
	field("class", orNone(r.Class))
	field("model", orNone(r.ModelType))
	field("vocab size", r.VocabSize)
	field("added tokens", r.AddedTokens)
	if r.ModelMaxLength > 0 {
		field("max length", r.ModelMaxLength)
	} else {
		field("max length", "unbounded")
	}
	field("add bos/eos", fmt.Sprintf("%v/%v", r.AddBOS, r.AddEOS))
	field("bos/eos", fmt.Sprintf("%s %s", orNone(r.BOS), orNone(r.EOS)))
	field("unk/pad", fmt.Sprintf("%s %s", orNone(r.UNK), orNone(r.PAD)))
	field("special tokens", fmt.Sprintf("%d [%s]", len(r.SpecialTokens), strings.Join(r.SpecialTokens, " ")))
	field("chat template", r.HasChatTemplate)
	field("files", strings.Join(r.Files, ", "))
	if r.Sample != nil {
		field("sample", fmt.Sprintf("%q", r.Sample.Text))
		field("ids", r.Sample.IDs)
		field("tokens", fmt.Sprintf("%q", r.Sample.Tokens))
	}
}
