package api

const requestBodyMaxSize = 64 * 1024 // 64 KiB

type errorResponse struct {
	Error string `json:"error"`
}

// POST /api/create-user-profile
type createProfileRequest struct {
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Title      string `json:"title"`
	Department string `json:"department"`
	Initials   string `json:"initials"`
}

type createProfileResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	UserID  string `json:"userId"`
}

// POST /api/users/invite
type inviteRequest struct {
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Title      string `json:"title"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Role       string `json:"role"`
	Department string `json:"department"`
	CreatedBy  string `json:"created_by"`
}

type inviteResponse struct {
	Success bool   `json:"success"`
	User    any    `json:"user"`
	Message string `json:"message"`
}

// POST /api/approve-user
type approveResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Result  map[string]any `json:"result,omitempty"`
}

// POST /api/tasks
type createTaskRequest struct {
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Status        string   `json:"status"`
	Priority      string   `json:"priority"`
	StartDate     string   `json:"startDate"`
	DueDate       string   `json:"dueDate"`
	Department    string   `json:"department"`
	DocumentLinks []string `json:"documentLinks"`
}

type subtaskRequest struct {
	Title string `json:"title"`
	Done  *bool  `json:"done"`
}

type commentRequest struct {
	Body string `json:"body"`
}
