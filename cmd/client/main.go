package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"placement/resource"
	"placement/rpc"
	"placement/task"
)

type taskInput struct {
	Name             string
	Resources        resource.Set
	Labels           map[string]string
	ForceSpillback   bool
	RequireAvailable bool
}

func main() {
	app := &cli.App{
		Name:  "placement client",
		Usage: "query placement manager and submit commands",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "host",
				Usage:    "manager API host",
				EnvVars:  []string{"MANAGER_HOST"},
				Required: true,
			},
			&cli.IntFlag{
				Name:     "port",
				Aliases:  []string{"p"},
				Usage:    "manager API port",
				EnvVars:  []string{"MANAGER_PORT"},
				Required: true,
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "start",
				Usage:     "submit a start task request",
				ArgsUsage: "path to the file containing the json representation of the task to start",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "resources",
						Aliases: []string{"r"},
						Usage:   `resources requested, e.g. "CPU=1,GPU=0.5", replacing the ones of the file`,
					},
				},
				Action: func(ctx *cli.Context) error {
					if ctx.Args().Len() != 1 {
						return fmt.Errorf("wrong arguments count, expected=1, got=%d", ctx.Args().Len())
					}
					url := getUrl(ctx.String("host"), ctx.Int("port"))
					return startTask(url, ctx.Args().First(), ctx.String("resources"))
				},
			},
			{
				Name:      "stop",
				Usage:     "submit a stop task request",
				ArgsUsage: "id of the task to stop",
				Action: func(ctx *cli.Context) error {
					if ctx.Args().Len() != 1 {
						return fmt.Errorf("wrong arguments count, expected=1, got=%d", ctx.Args().Len())
					}
					url := getUrl(ctx.String("host"), ctx.Int("port"))
					id, err := uuid.Parse(ctx.Args().First())
					if err != nil {
						return err
					}
					return stopTask(url, id)
				},
			},
			{
				Name:  "list",
				Usage: "get all tasks from the manager",
				Action: func(ctx *cli.Context) error {
					url := getUrl(ctx.String("host"), ctx.Int("port"))
					return listTasks(url)
				},
			},
			{
				Name:      "get",
				Usage:     "get a specific task from the manager",
				ArgsUsage: "id of the task to query",
				Action: func(ctx *cli.Context) error {
					if ctx.Args().Len() != 1 {
						return fmt.Errorf("wrong arguments count, expected=1, got=%d", ctx.Args().Len())
					}
					url := getUrl(ctx.String("host"), ctx.Int("port"))
					id, err := uuid.Parse(ctx.Args().First())
					if err != nil {
						return err
					}
					return getTask(url, id)
				},
			},
			{
				Name:  "list-nodes",
				Usage: "get the nodes known by the manager, with their resources",
				Action: func(ctx *cli.Context) error {
					url := getUrl(ctx.String("host"), ctx.Int("port"))
					return listNodes(url)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Printf("[ERROR] %v\n", err)
	}
}

func startTask(baseUrl string, filePath string, resources string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open task file, err: %v", err)
	}
	defer f.Close()

	buffer, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read task file, err: %v", err)
	}

	var tInput taskInput
	err = json.Unmarshal(buffer, &tInput)
	if err != nil {
		return fmt.Errorf("invalid json representation of task in file, err: %v", err)
	}
	if resources != "" {
		tInput.Resources, err = resource.ParseSet(resources)
		if err != nil {
			return err
		}
	}

	request := resource.NewRequest(tInput.Resources)
	request.Labels = tInput.Labels
	tEvent := task.TaskEvent{
		Id:        uuid.New(),
		State:     task.Scheduled,
		Timestamp: time.Now(),
		Task: task.Task{
			Id:               uuid.New(),
			State:            task.Pending,
			Name:             tInput.Name,
			Request:          request,
			ForceSpillback:   tInput.ForceSpillback,
			RequireAvailable: tInput.RequireAvailable,
		},
	}
	jsonTaskEvent, err := json.Marshal(tEvent)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/tasks", baseUrl)
	response, err := http.Post(url, "application/json", bytes.NewBuffer(jsonTaskEvent))
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusCreated {
		return fmt.Errorf("received invalid http status code: %d", response.StatusCode)
	}

	fmt.Printf("[OK] task %v creation request successfully submitted\n", tEvent.Task.Id)
	return nil
}

func stopTask(baseUrl string, taskId uuid.UUID) error {
	url := fmt.Sprintf("%s/tasks/%v", baseUrl, taskId)
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		return err
	}

	client := http.Client{}
	response, err := client.Do(req)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusNoContent {
		return fmt.Errorf("received invalid http status code: %d", response.StatusCode)
	}

	fmt.Println("[OK] task deletion request successfully submitted")
	return nil
}

func listTasks(baseUrl string) error {
	tasks, err := getTasksFromManager(baseUrl)
	if err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("No task found")
		return nil
	}

	fmt.Printf("[OK] found %d task(s):\n", len(tasks))
	for _, t := range tasks {
		printTask(t)
	}
	return nil
}

func getTask(baseUrl string, taskId uuid.UUID) error {
	tasks, err := getTasksFromManager(baseUrl)
	if err != nil {
		return err
	}

	for _, t := range tasks {
		if t.Id == taskId {
			printTask(t)
			return nil
		}
	}
	return fmt.Errorf("task with id %v not found", taskId)
}

func printTask(t task.Task) {
	fmt.Printf("- %v %q state=%v request=[%v] node=%v restarts=%d\n", t.Id, t.Name, t.State, t.Request, t.NodeId, t.RestartCount)
}

func getTasksFromManager(baseUrl string) ([]task.Task, error) {
	url := fmt.Sprintf("%s/tasks", baseUrl)
	response, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	var tasks []task.Task
	data := json.NewDecoder(response.Body)
	err = data.Decode(&tasks)
	return tasks, err
}

func listNodes(baseUrl string) error {
	url := fmt.Sprintf("%s/nodes", baseUrl)
	response, err := http.Get(url)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	var nodes []rpc.ResourceReport
	data := json.NewDecoder(response.Body)
	err = data.Decode(&nodes)
	if err != nil {
		return err
	}

	if len(nodes) == 0 {
		fmt.Println("[INFO] no managed node found")
		return nil
	}

	fmt.Printf("[OK] found %d node(s):\n", len(nodes))
	for _, n := range nodes {
		fmt.Printf("- %v %s (%s) available=[%v] total=[%v] pending=%d\n", n.NodeId, n.Name, n.Address, n.Available, n.Total, n.PendingLeases)
	}
	return nil
}

func getUrl(host string, port int) string {
	if !strings.HasPrefix(host, "http") {
		host = fmt.Sprintf("http://%s:%d", host, port)
	}
	return host
}
