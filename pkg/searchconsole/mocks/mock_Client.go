// Package mocks provides test doubles for the searchconsole client.
package mocks

import (
	"context"
	"time"

	searchconsole "github.com/sells-group/sa-harvest/pkg/searchconsole"
	mock "github.com/stretchr/testify/mock"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// Query provides a mock function with given fields: ctx, siteURL, q
func (_m *MockClient) Query(ctx context.Context, siteURL string, q searchconsole.Query) ([]searchconsole.Row, error) {
	ret := _m.Called(ctx, siteURL, q)

	if len(ret) == 0 {
		panic("no return value specified for Query")
	}

	var r0 []searchconsole.Row
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string, searchconsole.Query) ([]searchconsole.Row, error)); ok {
		return rf(ctx, siteURL, q)
	}
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]searchconsole.Row)
	}
	r1 = ret.Error(1)

	return r0, r1
}

// Dates provides a mock function with given fields: ctx, siteURL, searchType, start, end
func (_m *MockClient) Dates(ctx context.Context, siteURL, searchType string, start, end time.Time) ([]time.Time, error) {
	ret := _m.Called(ctx, siteURL, searchType, start, end)

	if len(ret) == 0 {
		panic("no return value specified for Dates")
	}

	var r0 []time.Time
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]time.Time)
	}

	return r0, ret.Error(1)
}

// DimensionValues provides a mock function with given fields: ctx, siteURL, dimension, searchType, start, end
func (_m *MockClient) DimensionValues(ctx context.Context, siteURL, dimension, searchType string, start, end time.Time) ([]string, error) {
	ret := _m.Called(ctx, siteURL, dimension, searchType, start, end)

	if len(ret) == 0 {
		panic("no return value specified for DimensionValues")
	}

	var r0 []string
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]string)
	}

	return r0, ret.Error(1)
}

// NewMockClient creates a new instance of MockClient. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	m := &MockClient{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
