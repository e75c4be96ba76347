package app

const (
	Name           = "chatsync"
	ConfigFilename = "config.json"
	DBFilename     = "chatsync.db"
	LogFilename    = "chatsync.log"
)
