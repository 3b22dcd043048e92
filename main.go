package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"

	"placement/logger"
	"placement/manager"
	"placement/resource"
	"placement/worker"
)

// Development launcher: a single node agent and its manager in one process
func main() {
	logger.Setup(os.Getenv("LOG_LEVEL"), "placement")

	workerApi, workerApiAddr := startWorker()
	managerApi := startManager(workerApiAddr)
	defer func() {
		if err := managerApi.Manager.Close(); err != nil {
			log.Err(err).Msg("failed to stop manager")
		}
		if err := workerApi.Agent.Close(); err != nil {
			log.Err(err).Msg("failed to stop node agent")
		}
	}()

	go workerApi.StartRouter()
	managerApi.StartRouter()
}

func startWorker() (*worker.Api, string) {
	host := os.Getenv("WORKER_HOST")
	port, _ := strconv.Atoi(os.Getenv("WORKER_PORT"))
	capacity, err := resource.ParseSet(os.Getenv("WORKER_RESOURCES"))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid WORKER_RESOURCES")
	}
	address := fmt.Sprintf("%s:%d", host, port)

	a, err := worker.New(worker.Config{
		Id:              1,
		Name:            "w1",
		Address:         address,
		Capacity:        capacity,
		SpreadThreshold: 0.5,
		StoreType:       "memory",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("node agent creation failed")
	}
	go a.CollectStats()

	return &worker.Api{Address: host, Port: port, Agent: a}, address
}

func startManager(workerApiAddr string) *manager.Api {
	host := os.Getenv("MANAGER_HOST")
	port, _ := strconv.Atoi(os.Getenv("MANAGER_PORT"))

	m, err := manager.New(manager.Config{
		Workers:         []string{workerApiAddr},
		LocalNode:       1,
		SpreadThreshold: 0.5,
		StoreType:       "memory",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("manager creation failed")
	}
	go m.ProcessTasks()
	go m.CheckNodesStats()
	go m.CheckTasksHealth()

	return &manager.Api{Address: host, Port: port, Manager: m}
}
