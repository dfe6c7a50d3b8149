package utils

import (
	"errors"
	log "github.com/sirupsen/logrus"
	"io/fs"
	"os"
	"os/user"
)

func FailOnError(err error, msg string) {
	if err != nil {
		log.Panicf("%s: %s", msg, err)
	}
}

func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}

func GetHomeDir() string {
	if os.Getenv("HOME") != "" {
		return os.Getenv("HOME")
	}

	currentUser, err := user.Current()
	if err != nil {
		log.Warn(err)
		return "/root"
	} else {
		return currentUser.HomeDir
	}
}
