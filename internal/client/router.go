package client

import (
	"strings"
	"sync"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
)

// MessageHandler 处理匹配某个主题过滤器的入站消息
type MessageHandler func(message Message)

type route struct {
	filter  string
	handler MessageHandler
}

// routeNode 主题树节点
type routeNode struct {
	children map[string]*routeNode
	// plus "+" 单层通配符子节点
	plus *routeNode
	// hash 以 "#" 结尾、父路径为当前节点的路由
	hash []route
	// terminals 精确匹配当前路径的路由
	terminals []route
}

func newRouteNode() *routeNode {
	return &routeNode{children: map[string]*routeNode{}}
}

// router 按主题过滤器把入站消息分发给处理函数
type router struct {
	mu   sync.RWMutex
	root *routeNode
}

func newRouter() *router {
	return &router{root: newRouteNode()}
}

func upsertRoute(routes []route, r route) []route {
	for i := range routes {
		if routes[i].filter == r.filter {
			routes[i] = r
			return routes
		}
	}
	return append(routes, r)
}

func deleteRoute(routes []route, filter string) ([]route, bool) {
	for i := range routes {
		if routes[i].filter == filter {
			return append(routes[:i], routes[i+1:]...), true
		}
	}
	return routes, false
}

func (r *router) add(filter string, handler MessageHandler) error {
	if err := packet.ValidateTopicFilter(filter); err != nil {
		return err
	}
	levels := strings.Split(filter, "/")

	r.mu.Lock()
	defer r.mu.Unlock()

	node := r.root
	for _, level := range levels {
		switch level {
		case "#":
			node.hash = upsertRoute(node.hash, route{filter: filter, handler: handler})
			return nil
		case "+":
			if node.plus == nil {
				node.plus = newRouteNode()
			}
			node = node.plus
		default:
			child, ok := node.children[level]
			if !ok {
				child = newRouteNode()
				node.children[level] = child
			}
			node = child
		}
	}
	node.terminals = upsertRoute(node.terminals, route{filter: filter, handler: handler})
	return nil
}

func (r *router) remove(filter string) bool {
	levels := strings.Split(filter, "/")

	r.mu.Lock()
	defer r.mu.Unlock()

	node := r.root
	for _, level := range levels {
		var removed bool
		switch level {
		case "#":
			node.hash, removed = deleteRoute(node.hash, filter)
			return removed
		case "+":
			node = node.plus
		default:
			node = node.children[level]
		}
		if node == nil {
			return false
		}
	}
	var removed bool
	node.terminals, removed = deleteRoute(node.terminals, filter)
	return removed
}

// match 逐层展开候选节点；以 $ 开头的主题不匹配首层通配符
func (r *router) match(topic string) []MessageHandler {
	levels := strings.Split(topic, "/")
	system := strings.HasPrefix(topic, "$")

	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []route
	queue := []*routeNode{r.root}
	for i, level := range levels {
		wildcards := i > 0 || !system
		var next []*routeNode
		for _, node := range queue {
			if wildcards {
				matched = append(matched, node.hash...)
			}
			if child, ok := node.children[level]; ok {
				next = append(next, child)
			}
			if wildcards && node.plus != nil {
				next = append(next, node.plus)
			}
		}
		queue = next
		if len(queue) == 0 {
			break
		}
	}
	// "a/#" 同样匹配 "a"
	for _, node := range queue {
		matched = append(matched, node.terminals...)
		matched = append(matched, node.hash...)
	}

	handlers := make([]MessageHandler, 0, len(matched))
	for _, m := range matched {
		handlers = append(handlers, m.handler)
	}
	return handlers
}
