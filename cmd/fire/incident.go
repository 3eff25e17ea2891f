package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fireline/internal/domain"
	firelinesdk "fireline/sdk/go"
)

func incidentCmd() *cobra.Command {
	inc := &cobra.Command{Use: "incident", Aliases: []string{"inc"}, Short: "Drive incident actors"}
	inc.AddCommand(incidentListCmd())
	inc.AddCommand(incidentStartCmd())
	inc.AddCommand(incidentGetCmd())
	inc.AddCommand(incidentSeverityCmd())
	inc.AddCommand(incidentAssigneeCmd())
	inc.AddCommand(incidentStatusCmd())
	inc.AddCommand(incidentMessageCmd())
	inc.AddCommand(incidentMetadataCmd())
	inc.AddCommand(incidentAffectionCmd())
	inc.AddCommand(incidentAlarmCmd())
	inc.AddCommand(incidentContextCmd())
	return inc
}

func incidentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List incidents in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(b backend) error {
				items, err := b.ListIncidents(cmd.Context())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Severity", "Title", "Assignee", "Next alarm"})
				for _, it := range items {
					next := "-"
					if it.AlarmAt != nil {
						next = strconv.FormatInt(*it.AlarmAt, 10)
					}
					title := it.Title
					if !it.Initialized {
						title = "(classifying) " + truncate(it.Prompt, 40)
					}
					tw.AppendRow(table.Row{it.ID, it.Status, it.Severity, title, it.Assignee, next})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func incidentStartCmd() *cobra.Command {
	var file, prompt, createdBy, source string
	var entryPoints, services, metadata []string
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Start an incident (ignored if it already exists)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in firelinesdk.StartRequest
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &in); err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
			}
			if prompt != "" {
				in.Prompt = prompt
			}
			if createdBy != "" {
				in.CreatedBy = createdBy
			}
			if source != "" {
				in.Source = source
			}
			in.Adapter = adapter()
			for _, raw := range entryPoints {
				ep, err := parseEntryPoint(raw)
				if err != nil {
					return err
				}
				in.EntryPoints = append(in.EntryPoints, ep)
			}
			for _, raw := range services {
				id, name, _ := strings.Cut(raw, ":")
				in.Services = append(in.Services, firelinesdk.Service{ID: id, Name: name})
			}
			meta, err := parsePairs(metadata)
			if err != nil {
				return err
			}
			if len(meta) > 0 {
				if in.Metadata == nil {
					in.Metadata = map[string]any{}
				}
				for k, v := range meta {
					in.Metadata[k] = v
				}
			}
			return withBackend(cmd.Context(), func(b backend) error {
				st, err := b.StartIncident(cmd.Context(), args[0], in)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON start input")
	cmd.Flags().StringVar(&prompt, "prompt", "", "what is happening")
	cmd.Flags().StringVar(&createdBy, "created-by", "", "reporter id")
	cmd.Flags().StringVar(&source, "source", "cli", "source system")
	cmd.Flags().StringArrayVar(&entryPoints, "entry-point", nil, "id:assignee[:rotation[:team]][!] where a trailing ! marks the fallback")
	cmd.Flags().StringArrayVar(&services, "service", nil, "id:name")
	cmd.Flags().StringArrayVar(&metadata, "meta", nil, "key=value")
	return cmd
}

func parseEntryPoint(raw string) (firelinesdk.EntryPoint, error) {
	fallback := strings.HasSuffix(raw, "!")
	parts := strings.Split(strings.TrimSuffix(raw, "!"), ":")
	if parts[0] == "" {
		return firelinesdk.EntryPoint{}, fmt.Errorf("entry point %q has no id", raw)
	}
	ep := firelinesdk.EntryPoint{ID: parts[0], IsFallback: fallback}
	if len(parts) > 1 {
		ep.Assignee = parts[1]
	}
	if len(parts) > 2 {
		ep.RotationID = parts[2]
	}
	if len(parts) > 3 {
		ep.TeamID = parts[3]
	}
	return ep, nil
}

// parsePairs reads key=value flags. Values that parse as JSON keep their
// type so numbers and booleans survive.
func parsePairs(pairs []string) (map[string]any, error) {
	out := map[string]any{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			out[k] = decoded
		} else {
			out[k] = v
		}
	}
	return out, nil
}

func incidentGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show the incident state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(b backend) error {
				st, err := b.GetIncident(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
}

func incidentSeverityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "severity <id> <low|medium|high>",
		Short: "Set severity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(b backend) error {
				return b.SetSeverity(cmd.Context(), args[0], args[1], adapter())
			})
		},
	}
}

func incidentAssigneeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assignee <id> <user>",
		Short: "Set assignee",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(b backend) error {
				return b.SetAssignee(cmd.Context(), args[0], args[1], adapter())
			})
		},
	}
}

func incidentStatusCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "status <id> <open|mitigating|resolved|declined>",
		Short: "Move the incident status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(b backend) error {
				return b.UpdateStatus(cmd.Context(), args[0], args[1], message, adapter())
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "status message")
	return cmd
}

func incidentMessageCmd() *cobra.Command {
	var userID, messageID string
	cmd := &cobra.Command{
		Use:   "message <id> <text>",
		Short: "Add a chat message (deduplicated by message id)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if messageID == "" {
				return fmt.Errorf("--message-id required")
			}
			return withBackend(cmd.Context(), func(b backend) error {
				return b.AddMessage(cmd.Context(), args[0], firelinesdk.MessageRequest{
					Message:   args[1],
					UserID:    userID,
					MessageID: messageID,
					Adapter:   adapter(),
				})
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "author id")
	cmd.Flags().StringVar(&messageID, "message-id", "", "idempotency key from the chat system")
	return cmd
}

func incidentMetadataCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metadata <id> key=value...",
		Short: "Merge metadata keys",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parsePairs(args[1:])
			if err != nil {
				return err
			}
			return withBackend(cmd.Context(), func(b backend) error {
				return b.AddMetadata(cmd.Context(), args[0], patch)
			})
		},
	}
}

func incidentAffectionCmd() *cobra.Command {
	var message, title, status string
	var services []string
	cmd := &cobra.Command{
		Use:   "affection <id>",
		Short: "Create or advance the status-page affection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := firelinesdk.AffectionRequest{
				Message: message,
				Title:   title,
				Status:  status,
				Adapter: adapter(),
			}
			for _, raw := range services {
				id, impact, _ := strings.Cut(raw, ":")
				if impact == "" {
					impact = string(domain.ImpactPartial)
				}
				in.Services = append(in.Services, firelinesdk.AffectedService{ID: id, Impact: impact})
			}
			return withBackend(cmd.Context(), func(b backend) error {
				return b.UpdateAffection(cmd.Context(), args[0], in)
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "update text")
	cmd.Flags().StringVar(&title, "title", "", "affection title (required on create)")
	cmd.Flags().StringVar(&status, "status", "", "investigating, mitigating or resolved")
	cmd.Flags().StringArrayVar(&services, "service", nil, "id[:partial|major]")
	return cmd
}

func incidentAlarmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alarm <id>",
		Short: "Run the incident alarm now",
		Long:  "Runs the alarm in the workspace runner when one is serving, so it never overlaps the runner's own alarm for the same incident.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(b backend) error {
				res, err := b.RunAlarm(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if res.Destroyed && !viper.GetBool("json") {
					fmt.Println("incident destroyed")
					return nil
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func incidentContextCmd() *cobra.Command {
	var from, to int64
	cmd := &cobra.Command{
		Use:   "context <id>",
		Short: "Print the agent context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := firelinesdk.ContextRange{From: from}
			if cmd.Flags().Changed("to") {
				r.To = &to
			}
			return withBackend(cmd.Context(), func(b backend) error {
				out, err := b.AgentContext(cmd.Context(), args[0], r)
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "exclusive lower event id")
	cmd.Flags().Int64Var(&to, "to", 0, "inclusive upper event id (latest when unset)")
	return cmd
}
