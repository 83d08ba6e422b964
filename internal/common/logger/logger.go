package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Структура лога
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Service   string `json:"service"`
	Action    string `json:"action"`
	Message   string `json:"message"`
	Hostname  string `json:"hostname"`
	RequestID string `json:"request_id"`
	TripID    string `json:"trip_id,omitempty"`
	Error     *struct {
		Msg string `json:"msg"`
	} `json:"error,omitempty"`
}

var hostname, _ = os.Hostname()

// Имя сервиса (можно установить при старте)
var serviceName = "unknown-service"

func SetServiceName(name string) {
	serviceName = name
}

func Info(action, message, requestID, tripID string) {
	output(LogEntry{
		Timestamp: time.Now().Format(time.RFC3339),
		Level:     "INFO",
		Service:   serviceName,
		Action:    action,
		Message:   message,
		Hostname:  hostname,
		RequestID: requestID,
		TripID:    tripID,
	})
}

func Debug(action, message, requestID, tripID string) {
	output(LogEntry{
		Timestamp: time.Now().Format(time.RFC3339),
		Level:     "DEBUG",
		Service:   serviceName,
		Action:    action,
		Message:   message,
		Hostname:  hostname,
		RequestID: requestID,
		TripID:    tripID,
	})
}

func Warn(action, message, requestID, tripID, errMsg string) {
	entry := LogEntry{
		Timestamp: time.Now().Format(time.RFC3339),
		Level:     "WARN",
		Service:   serviceName,
		Action:    action,
		Message:   message,
		Hostname:  hostname,
		RequestID: requestID,
		TripID:    tripID,
	}
	if errMsg != "" {
		entry.Error = &struct {
			Msg string `json:"msg"`
		}{Msg: errMsg}
	}
	output(entry)
}

func Error(action, message, requestID, tripID, errMsg string) {
	entry := LogEntry{
		Timestamp: time.Now().Format(time.RFC3339),
		Level:     "ERROR",
		Service:   serviceName,
		Action:    action,
		Message:   message,
		Hostname:  hostname,
		RequestID: requestID,
		TripID:    tripID,
	}
	entry.Error = &struct {
		Msg string `json:"msg"`
	}{Msg: errMsg}
	output(entry)
}

// Вспомогательная функция для вывода JSON в stdout
func output(entry LogEntry) {
	jsonData, _ := json.Marshal(entry)
	fmt.Println(string(jsonData))
}
