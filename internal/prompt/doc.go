// Package prompt builds the LLM messages used by `c2trail summarize`.
//
// # Prompt types
//
//   - [TypeNarrative]   chronological narrative of one session, written for
//     a red team report
//   - [TypeTTPMapping]  ATT&CK technique mapping of the operator commands
//   - [TypeQuestion]    answer a free-form question about the session
//
// # Basic usage
//
//	opts := prompt.BuildOptions{
//	    Session:  prompt.DescribeSession(sess),
//	    Timeline: prompt.FormatTimeline(entries, prompt.DefaultOutputLimit),
//	}
//	messages, err := prompt.Build(prompt.TypeNarrative, opts)
//	if err != nil {
//	    return err
//	}
//	// Pass messages to llm.Provider.ChatStream(ctx, messages, chatOpts)
//
// The timeline must already be redacted; this package sends what it is given.
package prompt
