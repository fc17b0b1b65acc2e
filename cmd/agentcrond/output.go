package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"

	"AgentCron-Chain/internal/energy"
	"AgentCron-Chain/internal/task"
)

func printJSONOrTable(payload any, header []any, rows [][]any) error {
	if viper.GetBool("json") {
		return printJSON(payload)
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row(header))
	for _, row := range rows {
		t.AppendRow(table.Row(row))
	}
	t.Render()
	return nil
}

func printJSON(payload any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func printTasks(tasks ...*task.Task) error {
	rows := make([][]any, 0, len(tasks))
	for _, t := range tasks {
		last := ""
		if t.LastExecutionTime != nil {
			last = formatTime(*t.LastExecutionTime)
		}
		rows = append(rows, []any{t.ID, t.Owner, t.AgentID, t.Schedule, formatTime(t.NextExecutionTime), last, t.LastExecutionStatus, t.ExecutionCount, t.EnergyCost, t.IsActive})
	}
	var payload any = tasks
	if len(tasks) == 1 {
		payload = tasks[0]
	}
	return printJSONOrTable(payload,
		[]any{"id", "owner", "agent", "schedule", "next", "last", "status", "runs", "cost", "active"}, rows)
}

func printAccount(account *energy.Account) error {
	reward := ""
	if account.LastStakingReward != nil {
		reward = formatTime(*account.LastStakingReward)
	}
	return printJSONOrTable(account,
		[]any{"account", "balance", "staked", "earned", "spent", "last_reward"},
		[][]any{{account.AccountID, account.Balance, account.Staked, account.LifetimeEarned, account.LifetimeSpent, reward}})
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
