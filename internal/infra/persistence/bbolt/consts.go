package bbolt

import "time"

const (
	entitiesBucketName     = "entities"
	propertiesBucketName   = "properties"
	associationsBucketName = "associations"
	manyBucketName         = "many"
	namedBucketName        = "named"

	typeKey       = "type"
	versionKey    = "version"
	modifiedKey   = "modified"
	appVersionKey = "application_version"

	openTimeout = time.Second
	fileMode    = 0o600
)
