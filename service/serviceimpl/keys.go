package serviceimpl

// Session store layout:
//
//   upl:<uploadId>    - the session key of the upload
//   sess:<sessionKey> - the JSON encoded model.UploadSession
//
// Both are written together with the same TTL and deleted together.

func uploadKey(uploadID string) string {
	return "upl:" + uploadID
}

func sessionKey(key string) string {
	return "sess:" + key
}
