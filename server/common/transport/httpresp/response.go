package httpresp

const (
	ErrMissingFile         = "file is required"
	ErrEmptyFile           = "uploaded file is empty"
	ErrMissingLocation     = "location is required"
	ErrMissingTimestamp    = "timestamp is required"
	ErrInvalidTimestamp    = "Invalid timestamp format. Expected ISO format."
	ErrNoFieldsRequested   = "At least one of description or vector must be requested"
	ErrImageNotFound       = "Image metadata not found"
	ErrImageVectorNotFound = "Image vector not found"
	ErrInvalidQuestion     = "question is required"
	ErrInternal            = "internal server error"

	MsgUploaded       = "File uploaded and queued successfully"
	MsgNoRelevantHits = "No relevant photos found"
	MsgPong           = "pong"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type UploadResponse struct {
	Message  string `json:"message"`
	Filename string `json:"filename"`
	ImageID  string `json:"image_id"`
}

func NewErrorResponse(message string) ErrorResponse {
	return ErrorResponse{Error: message}
}

func NewMessageResponse(message string) MessageResponse {
	return MessageResponse{Message: message}
}

func NewUploadResponse(filename, imageID string) UploadResponse {
	return UploadResponse{Message: MsgUploaded, Filename: filename, ImageID: imageID}
}
