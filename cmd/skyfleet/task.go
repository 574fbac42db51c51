package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"skyfleet/internal/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a new task",
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskStatusCmd = &cobra.Command{
	Use:   "status [task-id] [status]",
	Short: "Update task status (pending, running, completed, failed)",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskStatus,
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete [task-id]",
	Short: "Delete a task and its history",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskDelete,
}

var (
	taskName     string
	taskType     string
	taskDevice   string
	taskDesc     string
	taskPriority int
	taskParams   []string
	taskStatus   string
	taskProgress int
)

func init() {
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskStatusCmd, taskDeleteCmd)

	taskAddCmd.Flags().StringVar(&taskName, "name", "", "Task name (required)")
	taskAddCmd.Flags().StringVar(&taskType, "type", "", "Task type (e.g. survey, delivery)")
	taskAddCmd.Flags().StringVar(&taskDevice, "device", "", "Assigned device ID")
	taskAddCmd.Flags().StringVar(&taskDesc, "desc", "", "Task description")
	taskAddCmd.Flags().IntVar(&taskPriority, "priority", 0, "Task priority (higher runs first)")
	taskAddCmd.Flags().StringArrayVar(&taskParams, "param", nil, "Task parameter as key=value (repeatable)")
	taskAddCmd.MarkFlagRequired("name")

	taskListCmd.Flags().StringVar(&taskDevice, "device", "", "Filter by device ID")
	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status")

	taskStatusCmd.Flags().IntVar(&taskProgress, "progress", -1, "Progress percentage (0-100)")
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	params := make(map[string]string)
	for _, p := range taskParams {
		key, value, ok := strings.Cut(p, "=")
		if !ok {
			return fmt.Errorf("invalid param %q, expected key=value", p)
		}
		params[key] = value
	}

	body := map[string]any{
		"name":        taskName,
		"type":        taskType,
		"device_id":   taskDevice,
		"description": taskDesc,
		"priority":    taskPriority,
		"params":      params,
	}

	resp, err := apiPost("/api/tasks", body)
	if err != nil {
		return err
	}

	var task models.Task
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}
	fmt.Printf("Created task: %s\n", task.TaskID)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	url := "/api/tasks?device_id=" + taskDevice
	if taskStatus != "" {
		url += "&status=" + taskStatus
	}

	resp, err := apiGet(url)
	if err != nil {
		return err
	}

	var tasks []models.Task
	if err := json.Unmarshal(resp, &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK ID\tNAME\tDEVICE\tSTATUS\tPRIORITY\tPROGRESS")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d%%\n",
			t.TaskID, t.Name, t.DeviceID, t.Status, t.Priority, t.Progress)
	}
	return w.Flush()
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/api/tasks/" + args[0])
	if err != nil {
		return err
	}

	var detail models.TaskDetail
	if err := json.Unmarshal(resp, &detail); err != nil {
		return err
	}

	fmt.Printf("Task:        %s\n", detail.TaskID)
	fmt.Printf("Name:        %s\n", detail.Name)
	fmt.Printf("Type:        %s\n", detail.Type)
	fmt.Printf("Device:      %s\n", detail.DeviceID)
	fmt.Printf("Status:      %s\n", detail.Status)
	fmt.Printf("Priority:    %d\n", detail.Priority)
	fmt.Printf("Progress:    %d%%\n", detail.Progress)
	if detail.Description != "" {
		fmt.Printf("Description: %s\n", detail.Description)
	}
	if detail.StartTime != nil {
		fmt.Printf("Started:     %s\n", detail.StartTime.Local().Format("2006-01-02 15:04:05"))
	}
	if detail.EndTime != nil {
		fmt.Printf("Ended:       %s\n", detail.EndTime.Local().Format("2006-01-02 15:04:05"))
	}
	if len(detail.Params) > 0 {
		fmt.Println("Params:")
		for k, v := range detail.Params {
			fmt.Printf("  %s: %s\n", k, v)
		}
	}
	if len(detail.Logs) > 0 {
		fmt.Println("Recent logs:")
		for _, l := range detail.Logs {
			fmt.Printf("  [%s] %s: %s\n", l.CreatedAt.Local().Format("15:04:05"), l.LogType, l.Message)
		}
	}
	return nil
}

func runTaskStatus(cmd *cobra.Command, args []string) error {
	body := map[string]any{"status": args[1]}
	if taskProgress >= 0 {
		body["progress"] = taskProgress
	}

	if _, err := apiPost("/api/tasks/"+args[0]+"/status", body); err != nil {
		return err
	}
	fmt.Printf("Task %s is now %s\n", args[0], args[1])
	return nil
}

func runTaskDelete(cmd *cobra.Command, args []string) error {
	if _, err := apiDelete("/api/tasks/" + args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted task: %s\n", args[0])
	return nil
}
