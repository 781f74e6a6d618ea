package stores

import (
	"os"

	"github.com/sirupsen/logrus"

	"collabcanvas/core"
	"collabcanvas/stores/aws"
	"collabcanvas/stores/filesystem"
	"collabcanvas/stores/memory"
	"collabcanvas/stores/sqlite"
)

// GetStore selects the persistence collaborator implementation from the
// environment. The default is in-memory, which is enough for a single
// instance and for tests.
func GetStore() core.ObjectStore {
	storageType := os.Getenv("STORAGE_TYPE")
	var store core.ObjectStore

	storageField := logrus.Fields{
		"storageType": storageType,
	}

	switch storageType {
	case "filesystem":
		basePath := os.Getenv("LOCAL_STORAGE_PATH")
		if basePath == "" {
			basePath = "./data"
		}
		storageField["basePath"] = basePath
		store = filesystem.NewStore(basePath)
	case "sqlite":
		dataSourceName := os.Getenv("DATA_SOURCE_NAME")
		if dataSourceName == "" {
			dataSourceName = "collabcanvas.db"
		}
		storageField["dataSourceName"] = dataSourceName
		store = sqlite.NewStore(dataSourceName)
	case "s3":
		bucketName := os.Getenv("S3_BUCKET_NAME")
		if bucketName == "" {
			logrus.Fatal("S3_BUCKET_NAME environment variable must be set for s3 storage type")
		}
		storageField["bucketName"] = bucketName
		store = aws.NewStore(bucketName)
	default:
		store = memory.NewStore()
		storageField["storageType"] = "in-memory"
	}
	logrus.WithFields(storageField).Info("Use storage")
	return store
}
