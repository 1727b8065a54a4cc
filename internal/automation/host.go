package automation

import (
	"context"
	"errors"

	"github.com/d5/tengo/v2"

	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/internal/services"
)

var (
	errNotifyUnavailable = errors.New("notify is not available in this run")
	errTasksUnavailable  = errors.New("create_task is not available in this run")
)

// NotificationCreator is the slice of the notification service rule
// scripts may reach.
type NotificationCreator interface {
	Create(ctx context.Context, input services.CreateNotificationInput) (*services.NotificationDTO, error)
}

// TaskCreator is the slice of the project service rule scripts may reach.
type TaskCreator interface {
	CreateTask(ctx context.Context, organizationID, projectID string, input services.CreateTaskInput) (*models.Task, error)
}

// Actions are the host functions exposed to a rule script. Each call runs
// against the rule's own organization; a script cannot name another
// tenant.
type Actions struct {
	ruleName       string
	organizationID string
	notifications  NotificationCreator
	tasks          TaskCreator
}

// NewActions scopes host functions to one rule run.
func NewActions(ruleName, organizationID string, notifications NotificationCreator, tasks TaskCreator) *Actions {
	return &Actions{
		ruleName:       ruleName,
		organizationID: organizationID,
		notifications:  notifications,
		tasks:          tasks,
	}
}

// bind exposes the actions as tengo globals with the run context captured.
func (a *Actions) bind(ctx context.Context) map[string]tengo.Object {
	return map[string]tengo.Object{
		"notify":      &tengo.UserFunction{Name: "notify", Value: a.notifyFunc(ctx)},
		"create_task": &tengo.UserFunction{Name: "create_task", Value: a.createTaskFunc(ctx)},
	}
}

// notifyFunc implements notify(user_id, title, body). A failure aborts
// the script so the run row records it.
func (a *Actions) notifyFunc(ctx context.Context) tengo.CallableFunc {
	return func(args ...tengo.Object) (tengo.Object, error) {
		if len(args) != 3 {
			return nil, tengo.ErrWrongNumArguments
		}
		userID, err := stringArg(args[0], "user_id")
		if err != nil {
			return nil, err
		}
		title, err := stringArg(args[1], "title")
		if err != nil {
			return nil, err
		}
		body, err := stringArg(args[2], "body")
		if err != nil {
			return nil, err
		}

		if a.notifications == nil {
			return nil, errNotifyUnavailable
		}
		_, err = a.notifications.Create(ctx, services.CreateNotificationInput{
			OrganizationID: a.organizationID,
			UserID:         userID,
			Type:           "automation",
			Title:          title,
			Message:        body,
			Severity:       "info",
			Metadata:       map[string]any{"rule": a.ruleName},
		})
		if err != nil {
			return nil, err
		}
		return tengo.UndefinedValue, nil
	}
}

// createTaskFunc implements create_task(project_id, title) and returns
// the new task id.
func (a *Actions) createTaskFunc(ctx context.Context) tengo.CallableFunc {
	return func(args ...tengo.Object) (tengo.Object, error) {
		if len(args) != 2 {
			return nil, tengo.ErrWrongNumArguments
		}
		projectID, err := stringArg(args[0], "project_id")
		if err != nil {
			return nil, err
		}
		title, err := stringArg(args[1], "title")
		if err != nil {
			return nil, err
		}

		if a.tasks == nil {
			return nil, errTasksUnavailable
		}
		task, err := a.tasks.CreateTask(ctx, a.organizationID, projectID, services.CreateTaskInput{Title: title})
		if err != nil {
			return nil, err
		}
		return &tengo.String{Value: task.ID}, nil
	}
}

// stringArg requires an actual script string. The permissive tengo
// coercions would otherwise let numbers pass as ids.
func stringArg(obj tengo.Object, name string) (string, error) {
	str, ok := obj.(*tengo.String)
	if !ok {
		return "", tengo.ErrInvalidArgumentType{Name: name, Expected: "string", Found: obj.TypeName()}
	}
	return str.Value, nil
}
