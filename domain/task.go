package domain

// Status is the closed set of board columns a task can occupy.
type Status string

const (
	StatusTodo       Status = "Todo"
	StatusInProgress Status = "In Progress"
	StatusCompleted  Status = "Completed"
)

// Priority is the closed set of task priorities.
type Priority string

const (
	PriorityLow      Priority = "Low"
	PriorityMedium   Priority = "Medium"
	PriorityHigh     Priority = "High"
	PriorityCritical Priority = "Critical"
)

// DefaultDepartment is applied to tasks that arrive without one.
const DefaultDepartment = "Production"

// Task is the canonical, storage-ready board item. Nil pointer fields
// mean the column is explicitly empty; they are never left undefined.
type Task struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Description   *string  `json:"description"`
	Status        Status   `json:"status"`
	Priority      Priority `json:"priority"`
	StartDate     *string  `json:"startDate"`
	DueDate       *string  `json:"dueDate"`
	Department    string   `json:"department"`
	CreatedBy     string   `json:"createdBy"`
	DocumentLinks []string `json:"documentLinks"`
}

// Subtask is a child record of a task. Parent/child integrity is owned
// by the storage layer.
type Subtask struct {
	ID     string `json:"id"`
	TaskID string `json:"taskId"`
	Title  string `json:"title"`
	Done   bool   `json:"done"`
}

// Comment is a child record of a task.
type Comment struct {
	ID        string `json:"id"`
	TaskID    string `json:"taskId"`
	AuthorID  string `json:"authorId"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"createdAt"`
}
